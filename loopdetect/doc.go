/*
Package loopdetect detects runaway repetition in recursive memory and search
call chains and breaks it with a deterministic terminal result.

Architecture Overview:

Every memory/search operation enters the Detector before doing real work:

 1. Signature - (operation, query) is normalized and hashed into a stable key
 2. Store - per-trace DetectionState is fetched (created lazily, expired by age)
 3. Classify - five rules are evaluated in strict priority order
 4. HandleBreak - a detected loop is turned into a Terminal result
 5. Sinks - the Decision is handed to observability sinks (fail open)

Classification Rules (first match wins):

  - exact_repetition: the same key reached MaxRepeats occurrences in the trace
  - max_depth_exceeded: the caller-supplied depth reached MaxDepth
  - rapid_repetition: the same fingerprint RapidThreshold times within RapidWindow
  - circular_dependency: the trailing signatures form P,P for |P| in [2,4]
  - global_pattern_repetition: the key was promoted by an earlier trace

Thread Safety:

The Detector is safe for concurrent use. Each trace has its own lock, so
unrelated traces never contend; the trace map is guarded by an RWMutex and
the global pattern registry by its own lock. Statistics are read from atomic
per-trace summaries and never wait on a trace lock.

Resource Bounds:

State expires once its oldest retained entry is older than the time window.
Expiry runs opportunistically after each event and returns immediately when
nothing can have expired. History per trace is capped by MaxHistory and the
global registry by MaxPatterns and PatternTTL.

Usage:

	detector, err := loopdetect.New(
	    loopdetect.WithMaxDepth(5),
	    loopdetect.WithMaxRepeats(3),
	)
	if err != nil {
	    return err
	}

	decision, err := detector.Check(ctx, traceID, "search", query, depth)
	if err != nil {
	    return err // malformed input only
	}
	if !decision.Proceed() {
	    return decision.Result // loop broken, do not recurse
	}
*/
package loopdetect
