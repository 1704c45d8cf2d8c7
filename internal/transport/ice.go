package transport

import (
	"sync"
	"time"

	"github.com/pion/ice/v3"
	"github.com/pion/stun/v2"
)

const gatherTimeout = 3 * time.Second

// LocalAddrs gathers this device's addresses through ICE: host candidates first,
// then server-reflexive ones when stunURL is set.
func LocalAddrs(stunURL string) ([]string, error) {
	config := &ice.AgentConfig{
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost},
	}
	if stunURL != "" {
		uri, err := stun.ParseURI(stunURL)
		if err != nil {
			return nil, err
		}
		config.Urls = []*stun.URI{uri}
		config.CandidateTypes = append(config.CandidateTypes, ice.CandidateTypeServerReflexive)
	}
	agent, err := ice.NewAgent(config)
	if err != nil {
		return nil, err
	}
	defer agent.Close()

	var (
		mu    sync.Mutex
		found []gathered
		once  sync.Once
	)
	done := make(chan struct{})
	err = agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			once.Do(func() { close(done) })
			return
		}
		mu.Lock()
		found = append(found, gathered{addr: c.Address(), host: c.Type() == ice.CandidateTypeHost})
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	if err := agent.GatherCandidates(); err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-time.After(gatherTimeout):
	}
	mu.Lock()
	defer mu.Unlock()
	return hostsFirst(found), nil
}

type gathered struct {
	addr string
	host bool
}

func hostsFirst(list []gathered) []string {
	seen := make(map[string]bool)
	var out []string
	for _, pass := range []bool{true, false} {
		for _, g := range list {
			if g.host != pass || g.addr == "" || seen[g.addr] {
				continue
			}
			seen[g.addr] = true
			out = append(out, g.addr)
		}
	}
	return out
}
