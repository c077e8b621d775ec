// Package randomizer produces the per-student question and option order.
// Orders are pure functions of (seed, input): a student who reloads sees the
// order they started with.
package randomizer

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/stemsi/exstem-session/internal/model"
)

// optionStream separates option shuffles from the question shuffle that
// shares the same seed.
const optionStream = 0x6f7074696f6e73

// Seed derives the shuffle seed for a (student, assessment) pair.
func Seed(studentID string, assessmentID model.ID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(studentID))
	h.Write([]byte{'-'})
	h.Write([]byte(assessmentID))
	return h.Sum64()
}

// OrderQuestions returns the assessment's questions in the order the student
// sees them. The input is never modified.
func OrderQuestions(a *model.Assessment, seed uint64) []model.Question {
	out := append([]model.Question(nil), a.Questions...)
	if a.ShuffleQuestions {
		shuffle(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
	}
	return out
}

// OrderOptions returns a multiple-choice question's options in display order.
// Non-MCQ questions yield nil.
func OrderOptions(q model.Question, seed uint64) []model.Option {
	mcq, ok := q.Kind.(model.MCQ)
	if !ok {
		return nil
	}
	out := append([]model.Option(nil), mcq.Options...)
	qs := questionSeed(seed, q.ID)
	shuffle(rand.New(rand.NewPCG(qs, optionStream)), len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Apply orders the questions and, when the assessment asks for it, the
// options of every multiple-choice question.
func Apply(a *model.Assessment, seed uint64) []model.Question {
	ordered := OrderQuestions(a, seed)
	if !a.ShuffleOptions {
		return ordered
	}
	for i, q := range ordered {
		if _, ok := q.Kind.(model.MCQ); ok {
			ordered[i].Kind = model.MCQ{Options: OrderOptions(q, seed)}
		}
	}
	return ordered
}

func questionSeed(seed uint64, id model.ID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return seed ^ h.Sum64()
}

// shuffle is Fisher-Yates over the raw PCG stream. rand.Shuffle is avoided
// because its draw algorithm is not covered by the PCG stability guarantee.
func shuffle(r *rand.Rand, n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := int(r.Uint64() % uint64(i+1))
		swap(i, j)
	}
}
