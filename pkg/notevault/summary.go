package notevault

import "fmt"

// Summary counts the outcomes of a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize counts successes and failures in results.
func Summarize[T any](results []Result[T]) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
		} else {
			s.Succeeded++
		}
	}
	return s
}

// String renders "N notes failed" style text for the caller to display.
func (s Summary) String() string {
	switch {
	case s.Failed == 0:
		return fmt.Sprintf("%d %s done", s.Succeeded, plural(s.Succeeded))
	case s.Succeeded == 0:
		return fmt.Sprintf("%d %s failed", s.Failed, plural(s.Failed))
	default:
		return fmt.Sprintf("%d %s done, %d failed", s.Succeeded, plural(s.Succeeded), s.Failed)
	}
}

func plural(n int) string {
	if n == 1 {
		return "note"
	}
	return "notes"
}
