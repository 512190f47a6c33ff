package domain

// ParsedItem is one position of an operation, produced either by the free
// text parser or by direct catalog selection. When ParseError is set,
// Amount is zero and Name holds the original unparsed fragment.
type ParsedItem struct {
	Name        string  `json:"name"`
	Amount      float64 `json:"amount"`
	Unit        string  `json:"unit"`
	ParseError  bool    `json:"parseError,omitempty"`
	ProductID   string  `json:"productId,omitempty"`
	MatchedName string  `json:"matchedName,omitempty"`
}
