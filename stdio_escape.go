package main

const stdioEscapeChar = 0x01 // Ctrl-A

// stdioEscape handles host keys on a raw terminal before they reach the
// guest: CR becomes LF, DEL becomes BS, and Ctrl-A starts a two-key
// command (Ctrl-A x quits, Ctrl-A Ctrl-A sends a literal Ctrl-A).
type stdioEscape struct {
	armed bool
}

// filter returns the bytes to forward and whether a quit was requested.
// Input that does not come from a terminal passes through untouched.
func (e *stdioEscape) filter(in []byte, raw bool) (out []byte, quit bool) {
	if !raw {
		return in, false
	}
	out = make([]byte, 0, len(in))
	for _, b := range in {
		if e.armed {
			e.armed = false
			switch b {
			case 'x', 'X':
				quit = true
				continue
			case stdioEscapeChar:
				out = append(out, stdioEscapeChar)
				continue
			}
		} else if b == stdioEscapeChar {
			e.armed = true
			continue
		}

		switch b {
		case '\r':
			b = '\n'
		case 0x7F:
			b = 0x08
		}
		out = append(out, b)
	}
	return out, quit
}
