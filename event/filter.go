package event

// Filter selects envelopes from a relay, for both bounded historical
// fetches and long-lived subscriptions. Zero fields match everything.
type Filter struct {
	Kinds      []int
	Authors    []string
	Recipients []string
	Since      int64
	Until      int64
	Limit      int
}

// Matches reports whether the envelope satisfies every constraint in the
// filter. Limit is a fetch bound, not a match constraint.
func (f *Filter) Matches(e *Envelope) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.Author) {
		return false
	}
	if len(f.Recipients) > 0 {
		recipient, err := e.RecipientTag()
		if err != nil || !containsString(f.Recipients, recipient) {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && e.CreatedAt > f.Until {
		return false
	}
	return true
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
