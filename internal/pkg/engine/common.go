package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// A context aware sleep func returning true if proper timeout after sleep and false if ctx canceled
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// createInstanceAlias gives each executor a pronounceable id, making log lines from
// different destination instances easy to tell apart.
func createInstanceAlias() string {
	var a alias
	return a.cons().vow().cons().cons().vow().cons().name()
}

type alias struct {
	str string
}

func (a alias) vow() alias {
	var vowels = []rune{'a', 'e', 'i', 'o', 'u', 'y'}
	return alias{str: a.str + string(vowels[rand.IntN(len(vowels))])}
}

func (a alias) cons() alias {
	var consonants = []rune{'b', 'c', 'd', 'f', 'g', 'h', 'j', 'k', 'l', 'm', 'n',
		'p', 'r', 's', 't', 'v', 'w', 'x', 'z'}
	return alias{str: a.str + string(consonants[rand.IntN(len(consonants))])}
}

func (a alias) name() string {
	return a.str
}
