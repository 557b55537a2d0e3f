// This is a Go implementation of the HyperLogLog++ algorithm from "HyperLogLog in Practice:
// Algorithmic Engineering of a State of The Art Cardinality Estimation Algorithm" by Heule,
// Nunkesser and Hall of Google. This is a cardinality estimation algorithm: given a stream of input
// elements, it will estimate the number of unique items in the stream. The estimation error can be
// controlled by choosing how much memory to use, the standard error is about 1.04/sqrt(2^p).
//
// An estimator starts out sparse: it keeps a sorted list of encoded hashes at precision sp, and
// estimates by linear counting over 2^sp virtual registers. Once the list, varint delta encoded,
// would be larger than the dense registers, it switches for good to 2^p registers of 5 bits.
// Estimators with the same parameters can be merged, and serialized with ToBytes or as JSON.
//
// Callers hash their own values; Offer takes the 64-bit hash. The sparse buffers are chunked
// arrays that can be drawn from a shared chunked.Pool with WithPool. No type in this package is
// safe for concurrent use: shard the input, use one estimator per goroutine, then Merge.
//
// The HyperLogLog++ paper is available at
// http://static.googleusercontent.com/media/research.google.com/en/us/pubs/archive/40671.pdf
package hll
