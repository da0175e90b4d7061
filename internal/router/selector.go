package router

// preferredScoreCutoff splits candidates into the preferred group (lightly
// loaded) and the rest.
const preferredScoreCutoff = 0.5

// Selection is the outcome of one selector pass.
type Selection struct {
	Upstream *Upstream
	Snapshot UpstreamSnapshot
	// AtCapacity is set when every candidate had no available capacity.
	// The forwarder still attempts once: briefly stale metrics must not
	// starve the whole fleet.
	AtCapacity bool
}

// selectUpstream picks the best upstream for a request. Pure over the fleet
// snapshot: it never mutates state and never blocks. model filters candidates
// to those advertising the id ("" skips the filter); excluded holds URLs
// already tried within this request. intn supplies the tie-break randomness.
//
// Errors: ErrNoHealthyUpstream when no healthy candidate exists at all or
// every applicable one is excluded, ErrModelUnavailable when healthy
// upstreams exist but none serves model.
func selectUpstream(snap *Snapshot, model string, excluded map[string]struct{}, intn func(int) int) (Selection, error) {
	healthy, served := 0, 0
	type candidate struct {
		u     *Upstream
		s     UpstreamSnapshot
		score float64
	}
	var candidates []candidate
	for _, u := range snap.Upstreams {
		s := u.Snapshot()
		if !s.Healthy {
			continue
		}
		healthy++
		if model != "" && !u.hasModel(model) {
			continue
		}
		served++
		if _, skip := excluded[u.URL]; skip {
			continue
		}
		candidates = append(candidates, candidate{u: u, s: s, score: s.Score()})
	}

	if len(candidates) == 0 {
		if healthy == 0 {
			return Selection{}, ErrNoHealthyUpstream()
		}
		if model != "" && served == 0 {
			return Selection{}, ErrModelUnavailable(model)
		}
		// Healthy upstreams exist but all were already tried.
		return Selection{}, ErrNoHealthyUpstream()
	}

	// Prefer the lightly loaded group; fall back to everyone.
	var pool []candidate
	for _, c := range candidates {
		if c.score < preferredScoreCutoff {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	best := pool[0].score
	for _, c := range pool[1:] {
		if c.score < best {
			best = c.score
		}
	}
	var minima []candidate
	for _, c := range pool {
		if c.score == best {
			minima = append(minima, c)
		}
	}
	pick := minima[0]
	if len(minima) > 1 && intn != nil {
		pick = minima[intn(len(minima))]
	}

	atCapacity := true
	for _, c := range candidates {
		if c.s.AvailableCapacity() > 0 {
			atCapacity = false
			break
		}
	}
	return Selection{Upstream: pick.u, Snapshot: pick.s, AtCapacity: atCapacity}, nil
}
