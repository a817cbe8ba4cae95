package services

import (
	"fmt"

	domain "github.com/orderfield/api/internal/domain"
)

const defaultPageLimit = 20

// paginateSlice applies an offset window over an already-filtered result
// set. Requesting a page past the end is rejected, except page 1 of an
// empty set which returns an empty envelope.
func paginateSlice[T any](items []T, page domain.PageRequest) (domain.Page[T], error) {
	if page.Page < 1 {
		page.Page = 1
	}
	if page.Limit < 1 {
		page.Limit = defaultPageLimit
	}

	info := domain.NewPageInfo(page, len(items))
	if page.Page > info.Pages && !(page.Page == 1 && info.Records == 0) {
		return domain.Page[T]{}, fmt.Errorf("%w: page %d is out of range", ErrInvalidQuery, page.Page)
	}

	start := (page.Page - 1) * page.Limit
	end := start + page.Limit
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	return domain.Page[T]{
		Data:       items[start:end],
		Pagination: info,
	}, nil
}
