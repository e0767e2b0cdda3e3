package analysis

// Merge folds a partial update into the previously accumulated snapshot
// and returns a new snapshot. It never mutates its inputs, so it is safe
// to replay the same update sequence from multiple handlers or tests.
//
// Rules:
//   - nil previous: the update becomes the snapshot verbatim.
//   - scalars take the incoming value when present, else keep previous.
//   - steps are unioned by StepID; an incoming step replaces the prior
//     entry except that a settled step never regresses to pending or
//     processing. Steps are never removed.
//   - the execution plan is a one-time artifact: once set it is kept,
//     regardless of what later updates carry.
//   - report sections merge key-wise / dedupe by value (see MergeReport).
func Merge(prev *Snapshot, in Update) *Snapshot {
	if prev == nil {
		return fromUpdate(in)
	}

	next := *prev
	if in.QueryID != "" {
		next.QueryID = in.QueryID
	}
	if in.Status != "" {
		next.Status = in.Status
	}
	if in.Progress != nil {
		next.Progress = clampProgress(*in.Progress)
	}
	if in.CurrentAgent != nil {
		next.CurrentAgent = *in.CurrentAgent
	}
	if in.Result != nil {
		next.Result = *in.Result
	}
	if in.RejectionReason != "" {
		next.RejectionReason = in.RejectionReason
	}
	if in.StartTime != nil {
		next.StartTime = *in.StartTime
	}
	if in.EndTime != nil {
		next.EndTime = *in.EndTime
	}
	if next.Plan == nil && in.Plan != nil {
		next.Plan = in.Plan
	}

	next.Steps = mergeSteps(prev.Steps, in.Steps)
	next.Report = MergeReport(prev.Report, in.Report)
	return &next
}

func fromUpdate(in Update) *Snapshot {
	s := &Snapshot{
		QueryID:         in.QueryID,
		Status:          in.Status,
		Steps:           mergeSteps(nil, in.Steps),
		Plan:            in.Plan,
		RejectionReason: in.RejectionReason,
		Report:          MergeReport(nil, in.Report),
	}
	if in.Progress != nil {
		s.Progress = clampProgress(*in.Progress)
	}
	if in.CurrentAgent != nil {
		s.CurrentAgent = *in.CurrentAgent
	}
	if in.Result != nil {
		s.Result = *in.Result
	}
	if in.StartTime != nil {
		s.StartTime = *in.StartTime
	}
	if in.EndTime != nil {
		s.EndTime = *in.EndTime
	}
	return s
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// mergeSteps unions steps by StepID, preserving first-seen order.
// Incoming steps replace existing entries, except that a completed step
// keeps its completed status against a pending/processing retrograde.
func mergeSteps(prev, in []AgentStep) []AgentStep {
	if len(in) == 0 {
		if len(prev) == 0 {
			return nil
		}
		out := make([]AgentStep, len(prev))
		copy(out, prev)
		return out
	}

	out := make([]AgentStep, len(prev), len(prev)+len(in))
	copy(out, prev)
	index := make(map[string]int, len(out))
	for i, st := range out {
		index[st.StepID] = i
	}

	for _, st := range in {
		if st.StepID == "" {
			continue
		}
		i, ok := index[st.StepID]
		if !ok {
			index[st.StepID] = len(out)
			out = append(out, st)
			continue
		}
		if out[i].Status == StepCompleted && !st.Status.Settled() {
			st.Status = StepCompleted
		}
		out[i] = st
	}
	return out
}

// MergeReport merges two reports section-wise. Dictionary sections merge
// key-wise with incoming values winning per key; list sections append
// with duplicates dropped. Already-known sections are never lost when a
// later partial omits them.
func MergeReport(prev, in *Report) *Report {
	if in == nil {
		if prev == nil {
			return nil
		}
		out := copyReport(prev)
		return &out
	}
	if prev == nil {
		out := copyReport(in)
		return &out
	}
	out := copyReport(prev)
	out.Areas = mergeAnyMap(out.Areas, in.Areas)
	out.AgentResponses = mergeAnyMap(out.AgentResponses, in.AgentResponses)
	out.Recommendations = appendUnique(out.Recommendations, in.Recommendations)
	out.NextSteps = appendUnique(out.NextSteps, in.NextSteps)
	return &out
}

func copyReport(r *Report) Report {
	out := Report{}
	if len(r.Areas) > 0 {
		out.Areas = make(map[string]any, len(r.Areas))
		for k, v := range r.Areas {
			out.Areas[k] = v
		}
	}
	if len(r.AgentResponses) > 0 {
		out.AgentResponses = make(map[string]any, len(r.AgentResponses))
		for k, v := range r.AgentResponses {
			out.AgentResponses[k] = v
		}
	}
	out.Recommendations = append([]string(nil), r.Recommendations...)
	out.NextSteps = append([]string(nil), r.NextSteps...)
	return out
}

func mergeAnyMap(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func appendUnique(dst, src []string) []string {
	if len(src) == 0 {
		return dst
	}
	seen := make(map[string]bool, len(dst)+len(src))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range src {
		if seen[v] {
			continue
		}
		seen[v] = true
		dst = append(dst, v)
	}
	return dst
}
