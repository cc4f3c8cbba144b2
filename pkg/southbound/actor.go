package southbound

import (
	"sync"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

// addressActors runs the mutations of each switch address one at a time, on a mailbox
// goroutine that exits when the mailbox is empty.
type addressActors struct {
	mu        sync.Mutex
	mailboxes map[model.SwitchAddress][]func()
}

func newAddressActors() *addressActors {
	return &addressActors{mailboxes: map[model.SwitchAddress][]func(){}}
}

// Do runs fn on the actor of the address and waits until it returned. fn must not call Do for
// the same address.
func (a *addressActors) Do(addr model.SwitchAddress, fn func()) {
	done := make(chan struct{})
	a.post(addr, func() {
		defer close(done)
		fn()
	})
	<-done
}

// Post queues fn on the actor of the address without waiting.
func (a *addressActors) Post(addr model.SwitchAddress, fn func()) {
	a.post(addr, fn)
}

func (a *addressActors) post(addr model.SwitchAddress, fn func()) {
	a.mu.Lock()
	queue, running := a.mailboxes[addr]
	a.mailboxes[addr] = append(queue, fn)
	a.mu.Unlock()
	if !running {
		go a.run(addr)
	}
}

func (a *addressActors) run(addr model.SwitchAddress) {
	for {
		a.mu.Lock()
		queue := a.mailboxes[addr]
		if len(queue) == 0 {
			delete(a.mailboxes, addr)
			a.mu.Unlock()
			return
		}
		fn := queue[0]
		a.mailboxes[addr] = queue[1:]
		a.mu.Unlock()
		fn()
	}
}
