package cachekey

// DefaultVersions are the row-format versions declared for each namespace when the
// configuration does not override them
func DefaultVersions() map[string]string {
	return map[string]string{
		string(KindEvents):      "1",
		string(KindTimestamps):  "1",
		string(KindBalances):    "1",
		string(KindTotalSupply): "1",
	}
}

// Kinds lists every supported kind
func Kinds() []Kind {
	return []Kind{KindEvents, KindTimestamps, KindBalances, KindTotalSupply}
}
