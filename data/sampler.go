package data

import (
	"math/rand"
)

// Sampler returns the dataset indices visited in an epoch
type Sampler interface {
	// Indices returns the sample order of the given epoch
	Indices(epoch int) []int
}

// RandomSampler draws NumSamples indices from [0, N) every epoch
type RandomSampler struct {
	// N is the dataset size
	N int
	// NumSamples per epoch, defaults to N when zero
	NumSamples int
	// Replacement allows an index to be drawn more than once per epoch
	Replacement bool
	// Seed makes the draws reproducible, each epoch derives its own stream
	Seed int64
}

// Indices returns the random sample order of the epoch
func (s RandomSampler) Indices(epoch int) []int {

	if s.N <= 0 {
		return nil
	}

	num := s.NumSamples

	if num <= 0 {
		num = s.N
	}

	r := rand.New(rand.NewSource(s.Seed + int64(epoch)*7919))
	out := make([]int, 0, num)

	if s.Replacement {
		for i := 0; i < num; i++ {
			out = append(out, r.Intn(s.N))
		}

		return out
	}

	// without replacement repeat full permutations until num is reached
	for len(out) < num {
		perm := r.Perm(s.N)

		if rem := num - len(out); rem < len(perm) {
			perm = perm[:rem]
		}

		out = append(out, perm...)
	}

	return out
}

// SequentialSampler visits [0, N) in order
type SequentialSampler struct {
	// N is the dataset size
	N int
}

// Indices returns 0..N-1
func (s SequentialSampler) Indices(int) []int {

	out := make([]int, s.N)

	for i := range out {
		out[i] = i
	}

	return out
}
