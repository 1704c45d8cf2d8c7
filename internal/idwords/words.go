// Package idwords: human-friendly rendezvous PINs and default device names from a fixed wordlist.
package idwords

import (
	"crypto/rand"
	"embed"
	"encoding/binary"
	"strings"
	"sync"
)

//go:embed words.txt
var wordsFS embed.FS

const (
	// PinWords: words in a rendezvous PIN.
	PinWords = 4
	pinSep   = "-"
)

var (
	wordlist   []string
	wordset    map[string]bool
	wordlistMu sync.Once
)

func loadWordlist() {
	wordlistMu.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		wordset = make(map[string]bool)
		for _, w := range strings.Split(strings.TrimSpace(string(b)), "\n") {
			w = strings.TrimSpace(w)
			if w != "" && !wordset[w] {
				wordset[w] = true
				wordlist = append(wordlist, w)
			}
		}
	})
}

// Words returns n random words from the list.
func Words(n int) []string {
	loadWordlist()
	if n <= 0 || len(wordlist) == 0 {
		return nil
	}
	b := make([]byte, 2*n)
	rand.Read(b)
	out := make([]string, n)
	for i := range out {
		out[i] = wordlist[int(binary.BigEndian.Uint16(b[i*2:]))%len(wordlist)]
	}
	return out
}

// Pin returns a new rendezvous PIN, e.g. "amber-falcon-river-mint".
func Pin() string {
	return strings.Join(Words(PinWords), pinSep)
}

// ValidPin true if s is PinWords known words joined by "-".
func ValidPin(s string) bool {
	return valid(s, PinWords, pinSep)
}

func valid(s string, n int, sep string) bool {
	loadWordlist()
	parts := strings.Split(s, sep)
	if len(parts) != n {
		return false
	}
	for _, p := range parts {
		if !wordset[p] {
			return false
		}
	}
	return true
}

// DeviceName: hostname when there is one, otherwise two capitalised words.
func DeviceName(hostname string) string {
	if h := strings.TrimSpace(hostname); h != "" {
		if i := strings.IndexByte(h, '.'); i > 0 {
			h = h[:i]
		}
		return h
	}
	ws := Words(2)
	for i, w := range ws {
		ws[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(ws, " ")
}
