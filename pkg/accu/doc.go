// Package accu provides streaming statistics used to reduce simulation results.
//
// Mono accumulates a sequence of scalars. Multi accumulates a sequence of equal-length
// vectors and reduces them element-wise, one Mono per position. Both are pure and hold no
// I/O; they keep raw values only when the reduction kind needs them (quantile, all).
package accu
