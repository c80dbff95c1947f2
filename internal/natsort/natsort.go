// Package natsort provides natural ordering for strings that embed
// decimal ordinals, so that "plane10" sorts after "plane2".
package natsort

import "sort"

// Less reports whether a orders before b, comparing digit runs by
// numeric value and everything else byte-wise.
func Less(a, b string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			// Compare the full digit runs as numbers.
			ia, na := digitRun(a, i)
			ib, nb := digitRun(b, j)
			if na != nb {
				return na < nb
			}
			i, j = ia, ib
			continue
		}
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	return len(a)-i < len(b)-j
}

// Sort orders ss in place using Less.
func Sort(ss []string) {
	sort.Slice(ss, func(i, j int) bool { return Less(ss[i], ss[j]) })
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// digitRun parses the digit run starting at i and returns the index
// past the run and its numeric value. Leading zeros are ignored for
// comparison purposes.
func digitRun(s string, i int) (int, uint64) {
	var v uint64
	for i < len(s) && isDigit(s[i]) {
		v = v*10 + uint64(s[i]-'0')
		i++
	}
	return i, v
}
