package models

// Reactions maps a participant id to the single emoji they reacted with.
type Reactions map[string]string

// Clone copies the map; a nil map stays nil.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ToggleReaction returns the reactions after participant taps emoji.
// The same emoji clears their slot, any other emoji replaces it.
// The input map is left untouched.
func ToggleReaction(r Reactions, participantID, emoji string) Reactions {
	out := r.Clone()
	if out == nil {
		out = Reactions{}
	}
	if current, ok := out[participantID]; ok && current == emoji {
		delete(out, participantID)
	} else if emoji != "" {
		out[participantID] = emoji
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Counts groups reactions by emoji for display.
func (r Reactions) Counts() map[string]int {
	counts := make(map[string]int, len(r))
	for _, emoji := range r {
		counts[emoji]++
	}
	return counts
}

// With returns a copy where participant's slot holds emoji; an empty emoji clears it.
func (r Reactions) With(participantID, emoji string) Reactions {
	out := r.Clone()
	if emoji == "" {
		delete(out, participantID)
	} else {
		if out == nil {
			out = Reactions{}
		}
		out[participantID] = emoji
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
