package textutil

import "golang.org/x/text/cases"

var folder = cases.Fold()

// Fold case-folds a string for caseless comparison. Unlike strings.ToLower
// it handles the full Unicode folding rules, so carrier names entered with
// locale-specific casing still compare equal.
func Fold(value string) string {
	return folder.String(value)
}
