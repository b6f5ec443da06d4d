// Package council implements the multi-voter diagnosis mechanism used
// when ordinary escalation is exhausted: independent voters each
// produce a diagnosis proposal and a ranked ballot over all proposals,
// and a deterministic instant-runoff tabulation picks one winner. The
// winning proposal's fix approach, together with every proposal's
// evidence, is synthesized into context for one more controller
// attempt.
package council
