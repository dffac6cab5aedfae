package platform

// AttachSymbols calls attach for each candidate in order and returns the
// first success together with the symbol that worked. If every candidate
// fails the result is a *SymbolAttachError listing all of them.
func AttachSymbols[T any](library string, candidates []string, attach func(symbol string) (T, error)) (T, string, error) {
	var zero T
	symErr := &SymbolAttachError{Library: library}

	for _, sym := range candidates {
		v, err := attach(sym)
		if err == nil {
			return v, sym, nil
		}
		symErr.Attempts = append(symErr.Attempts, SymbolAttempt{Symbol: sym, Err: err})
	}

	return zero, "", symErr
}
