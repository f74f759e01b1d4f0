// Package pattern defines the governed pattern domain model: the
// PatternRecord entity, the closed lifecycle status set with its legal
// transition table, the table-driven thresholds, and the pure NextState
// decision function applied by the promotion and demotion evaluators.
//
// The package holds no I/O. Persistence lives in internal/store, metric
// accumulation in internal/rolling, and effects in internal/evaluator.
package pattern
