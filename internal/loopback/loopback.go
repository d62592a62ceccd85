// Package loopback implements an in-memory MESSAGE transport connecting chat engines.
package loopback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/chat"
)

// Receiver consumes requests and responses delivered by the network.
// [chat.Core] implements it.
type Receiver interface {
	OnIncomingRequest(req *chat.IncomingRequest)
	OnResponse(transportID string, status int)
}

// Network routes requests between endpoints.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	groups    map[string][]string
	seq       atomic.Uint64
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		groups:    make(map[string][]string),
	}
}

// Endpoint returns the endpoint of the address, creating it when missing.
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[addr]; ok {
		return ep
	}
	ep := &Endpoint{net: n, addr: addr, status: 200, provisional: true}
	n.endpoints[addr] = ep
	return ep
}

// AddGroup registers a conference address relaying requests to its members.
// Relayed requests come from the conference address.
func (n *Network) AddGroup(addr string, members ...string) {
	n.mu.Lock()
	n.groups[addr] = slices.Clone(members)
	n.mu.Unlock()
}

func (n *Network) route(from, to string) []*Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if members, ok := n.groups[to]; ok {
		var eps []*Endpoint
		for _, m := range members {
			if ep, ok := n.endpoints[m]; ok && m != from {
				eps = append(eps, ep)
			}
		}
		return eps
	}
	if ep, ok := n.endpoints[to]; ok {
		return []*Endpoint{ep}
	}
	return nil
}

// Endpoint is a network attachment point. It implements [chat.Transport].
type Endpoint struct {
	net  *Network
	addr string

	mu          sync.Mutex
	recv        Receiver
	sendErr     error
	status      int
	provisional bool
	held        bool
	sent        []*chat.OutgoingRequest
	heldReqs    []heldRequest
}

type heldRequest struct {
	tid string
	req *chat.OutgoingRequest
}

// Attach sets the receiver of requests addressed to the endpoint and responses to its requests.
func (ep *Endpoint) Attach(r Receiver) {
	ep.mu.Lock()
	ep.recv = r
	ep.mu.Unlock()
}

// Addr returns the endpoint address.
func (ep *Endpoint) Addr() string { return ep.addr }

// SetSendError makes SendRequest fail with err. Nil restores normal sending.
func (ep *Endpoint) SetSendError(err error) {
	ep.mu.Lock()
	ep.sendErr = err
	ep.mu.Unlock()
}

// SetResponse sets the final response status and whether a 100 Trying precedes it.
// Status 0 means no final response is sent.
func (ep *Endpoint) SetResponse(status int, provisional bool) {
	ep.mu.Lock()
	ep.status, ep.provisional = status, provisional
	ep.mu.Unlock()
}

// Hold stops relaying requests sent by the endpoint until [Endpoint.Release].
// Responses are not reported either.
func (ep *Endpoint) Hold() {
	ep.mu.Lock()
	ep.held = true
	ep.mu.Unlock()
}

// Release relays held requests in order and resumes normal operation.
func (ep *Endpoint) Release() {
	ep.mu.Lock()
	ep.held = false
	held := ep.heldReqs
	ep.heldReqs = nil
	ep.mu.Unlock()

	for _, h := range held {
		ep.relay(h.tid, h.req)
	}
}

// Sent returns the requests sent by the endpoint.
func (ep *Endpoint) Sent() []*chat.OutgoingRequest {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return slices.Clone(ep.sent)
}

// ResetSent forgets the sent requests.
func (ep *Endpoint) ResetSent() {
	ep.mu.Lock()
	ep.sent = nil
	ep.mu.Unlock()
}

func (ep *Endpoint) SendRequest(ctx context.Context, req *chat.OutgoingRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errtrace.Wrap(err)
	}

	ep.mu.Lock()
	if ep.sendErr != nil {
		err := ep.sendErr
		ep.mu.Unlock()
		return "", errtrace.Wrap(err)
	}
	tid := fmt.Sprintf("%s-%d", ep.addr, ep.net.seq.Add(1))
	cp := *req
	ep.sent = append(ep.sent, &cp)
	if ep.held {
		ep.heldReqs = append(ep.heldReqs, heldRequest{tid, &cp})
		ep.mu.Unlock()
		return tid, nil
	}
	ep.mu.Unlock()

	ep.relay(tid, &cp)
	return tid, nil
}

func (ep *Endpoint) relay(tid string, req *chat.OutgoingRequest) {
	ep.mu.Lock()
	recv, status, provisional := ep.recv, ep.status, ep.provisional
	ep.mu.Unlock()

	targets := ep.net.route(req.From, req.To)
	if recv != nil {
		if provisional {
			recv.OnResponse(tid, 100)
		}
		switch {
		case status == 0:
		case len(targets) == 0 && status < 300:
			recv.OnResponse(tid, 404)
		default:
			recv.OnResponse(tid, status)
		}
	}
	if status < 200 || status >= 300 {
		return
	}

	_, group := ep.net.groupMembers(req.To)
	for _, t := range targets {
		t.mu.Lock()
		trecv := t.recv
		t.mu.Unlock()
		if trecv == nil {
			continue
		}
		from, to := req.From, req.To
		if group {
			from, to = req.To, t.addr
		}
		trecv.OnIncomingRequest(&chat.IncomingRequest{
			CallID:      tid,
			From:        from,
			To:          to,
			ContentType: req.ContentType,
			Body:        slices.Clone(req.Body),
			Headers:     req.Headers.Clone(),
		})
	}
}

func (n *Network) groupMembers(addr string) ([]string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.groups[addr]
	return m, ok
}
