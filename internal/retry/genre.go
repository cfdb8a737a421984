// Package retry classifies crawl failures and resubmits retryable jobs to
// the retry topic.
package retry

// Genre names a failure category the crawl subprocess reports through its
// exit code. The empty Genre means the failure was not classified.
type Genre string

// Known failure genres.
const (
	GenreProxyBlock        Genre = "proxy_block"
	GenreChromeVersion     Genre = "chrome_version"
	GenreOtherProcessExist Genre = "other_process_exist"
	GenreUnknown           Genre = "unknown"
)

// exitGenres is the agreed contract between the agent and the crawl
// executable. Codes outside this map carry no classification.
var exitGenres = map[int]Genre{
	41: GenreProxyBlock,
	42: GenreChromeVersion,
	43: GenreOtherProcessExist,
	44: GenreUnknown,
}

// ClassifyExit resolves a subprocess exit code to its failure genre. The
// second result reports whether the code is part of the contract; note
// that GenreUnknown is itself a classification, distinct from an
// unclassified code.
func ClassifyExit(code int) (Genre, bool) {
	g, ok := exitGenres[code]
	return g, ok
}
