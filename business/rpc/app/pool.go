package app

import (
	"sort"

	"github.com/stablepay/chainexec/internal/apperror"
)

// ClientPool holds one ChainClient per configured chain. Unknown chains fail
// fast before any network call.
type ClientPool struct {
	clients map[string]ChainClient
}

var _ Pool = (*ClientPool)(nil)

// NewClientPool builds a pool from pre-constructed clients keyed by chain name.
func NewClientPool(clients map[string]ChainClient) *ClientPool {
	return &ClientPool{clients: clients}
}

// ClientFor resolves the client for a chain name.
func (p *ClientPool) ClientFor(chain string) (ChainClient, error) {
	client, ok := p.clients[chain]
	if !ok {
		return nil, apperror.New(apperror.CodeChainNotConfigured,
			apperror.WithChain(chain),
			apperror.WithContext("chain not present in configuration"))
	}
	return client, nil
}

// failoverNotifier is implemented by clients that emit failover events.
type failoverNotifier interface {
	SetFailoverListener(FailoverListener)
}

// SetFailoverListener forwards every client's failover events to fn.
func (p *ClientPool) SetFailoverListener(fn FailoverListener) {
	for _, c := range p.clients {
		if n, ok := c.(failoverNotifier); ok {
			n.SetFailoverListener(fn)
		}
	}
}

// Chains lists configured chain names in stable order.
func (p *ClientPool) Chains() []string {
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
