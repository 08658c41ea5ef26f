package channel

// swapWords reverses the bytes of every `wordSize`-byte word in `data`, in
// place. Trailing bytes that don't make up a whole word are left alone.
func swapWords(data []byte, wordSize int) {
	if wordSize < 2 {
		return
	}

	for start := 0; start+wordSize <= len(data); start += wordSize {
		word := data[start : start+wordSize]
		for i, j := 0, wordSize-1; i < j; i, j = i+1, j-1 {
			word[i], word[j] = word[j], word[i]
		}
	}
}
