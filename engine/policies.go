package engine

import (
	"sort"

	"github.com/warp/overtime-engine/factory"
	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// POLICY REGISTRY - Parsed policy documents, keyed by id
// =============================================================================

// RegisterPolicyJSON parses a policy document of any kind and makes it
// available to operations. Re-registering an id replaces it.
func (e *Engine) RegisterPolicyJSON(doc string) (factory.Header, error) {
	h, err := e.policies.PeekHeader(doc)
	if err != nil {
		return factory.Header{}, err
	}

	switch h.Kind {
	case factory.KindCompTime:
		p, err := e.policies.ParseCompTime(doc)
		if err != nil {
			return h, err
		}
		e.RegisterCompTimePolicy(p)
	case factory.KindOnCall:
		p, err := e.policies.ParseOnCall(doc)
		if err != nil {
			return h, err
		}
		e.RegisterOnCallPolicy(p)
	case factory.KindApprovalChain:
		c, err := e.policies.ParseApprovalChain(doc)
		if err != nil {
			return h, err
		}
		e.RegisterApprovalChain(c)
	}
	return h, nil
}

func (e *Engine) RegisterCompTimePolicy(p *factory.CompTimePolicy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.compTime[p.ID] = p
}

func (e *Engine) RegisterOnCallPolicy(p *factory.OnCallPolicy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.onCall[p.ID] = p
}

// RegisterApprovalChain adds a chain. The first chain registered becomes the
// default until SetDefaultChain says otherwise.
func (e *Engine) RegisterApprovalChain(c *factory.ApprovalChain) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.chains[c.ID] = c
	if e.defaultChainID == "" {
		e.defaultChainID = c.ID
	}
}

// SetDefaultChain selects the chain used when an operation names none.
func (e *Engine) SetDefaultChain(id generic.PolicyID) error {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	if _, ok := e.chains[id]; !ok {
		return generic.NotFound("approval chain", string(id))
	}
	e.defaultChainID = id
	return nil
}

func (e *Engine) CompTimePolicy(id generic.PolicyID) (*factory.CompTimePolicy, error) {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	p, ok := e.compTime[id]
	if !ok {
		return nil, generic.NotFound("comp_time policy", string(id))
	}
	return p, nil
}

func (e *Engine) OnCallPolicy(id generic.PolicyID) (*factory.OnCallPolicy, error) {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	p, ok := e.onCall[id]
	if !ok {
		return nil, generic.NotFound("on_call policy", string(id))
	}
	return p, nil
}

// Chain returns the named chain, or the default chain when id is empty.
func (e *Engine) Chain(id generic.PolicyID) (*factory.ApprovalChain, error) {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	if id == "" {
		id = e.defaultChainID
	}
	c, ok := e.chains[id]
	if !ok {
		return nil, generic.NotFound("approval chain", string(id))
	}
	return c, nil
}

// PolicyIDs lists registered ids of one kind, sorted.
func (e *Engine) PolicyIDs(kind factory.Kind) []generic.PolicyID {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()

	var ids []generic.PolicyID
	switch kind {
	case factory.KindCompTime:
		for id := range e.compTime {
			ids = append(ids, id)
		}
	case factory.KindOnCall:
		for id := range e.onCall {
			ids = append(ids, id)
		}
	case factory.KindApprovalChain:
		for id := range e.chains {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResetPolicies forgets every registered policy.
func (e *Engine) ResetPolicies() {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.compTime = make(map[generic.PolicyID]*factory.CompTimePolicy)
	e.onCall = make(map[generic.PolicyID]*factory.OnCallPolicy)
	e.chains = make(map[generic.PolicyID]*factory.ApprovalChain)
	e.defaultChainID = ""
}
