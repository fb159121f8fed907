// Package extract turns raw pipeline parameters into DHIS2 extraction criteria:
// the data element list, the monthly period list and the organisation unit level.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Dimension prefixes understood by the DHIS2 analytics API.
const (
	DimensionData     = "dx"
	DimensionPeriod   = "pe"
	DimensionOrgUnit  = "ou"
	dimensionItemSep  = ";"
	dimensionValueSep = ":"
)

var (
	// ErrNoVariables is returned when the variable list is empty after normalization.
	ErrNoVariables = errors.New("no variables to extract")

	// ErrNoAdminLevel is returned when the administrative level is blank.
	ErrNoAdminLevel = errors.New("administrative level is required")
)

// InvalidDateRangeError reports period bounds that do not describe a
// non-empty month range.
type InvalidDateRangeError struct {
	YearBegin  int
	YearEnd    int
	MonthBegin int
	MonthEnd   int
	Reason     string
}

// Error implements the error interface.
func (e *InvalidDateRangeError) Error() string {
	return fmt.Sprintf("invalid date range %04d-%02d..%04d-%02d: %s",
		e.YearBegin, e.MonthBegin, e.YearEnd, e.MonthEnd, e.Reason)
}

// Criteria holds the normalized dimensions of one extraction.
type Criteria struct {
	// Variables are the data element / indicator IDs, unique, in input order.
	Variables []string

	// Periods are contiguous monthly periods formatted as YYYYMM.
	Periods []string

	// AdminLevel is the organisation unit selector, e.g. "LEVEL-NJZ7J4g91OS".
	AdminLevel string
}

// NewCriteria normalizes raw pipeline parameters.
func NewCriteria(vars string, yearBegin, yearEnd, monthBegin, monthEnd int, adminLevel string) (Criteria, error) {
	variables := FormatVarList(vars)
	if len(variables) == 0 {
		return Criteria{}, ErrNoVariables
	}

	periods, err := GenerateMonthlyPeriods(yearBegin, yearEnd, monthBegin, monthEnd)
	if err != nil {
		return Criteria{}, err
	}

	adminLevel = strings.TrimSpace(adminLevel)
	if adminLevel == "" {
		return Criteria{}, ErrNoAdminLevel
	}

	return Criteria{
		Variables:  variables,
		Periods:    periods,
		AdminLevel: adminLevel,
	}, nil
}

// Dimensions returns the analytics dimension list for the criteria.
func (c Criteria) Dimensions() []string {
	return MakeExtractionDimList(c.Variables, c.Periods, c.AdminLevel)
}

// FormatVarList splits a comma-separated variable string into IDs.
// All whitespace is removed, empty segments are skipped and repeated IDs
// are kept once, at their first position. IDs are not otherwise validated.
func FormatVarList(vars string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, vars)

	var out []string
	seen := make(map[string]struct{})
	for _, v := range strings.Split(cleaned, ",") {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GenerateMonthlyPeriods lists every month from monthBegin of yearBegin
// through monthEnd of yearEnd (closed interval) as YYYYMM strings.
func GenerateMonthlyPeriods(yearBegin, yearEnd, monthBegin, monthEnd int) ([]string, error) {
	rangeErr := func(reason string) error {
		return &InvalidDateRangeError{
			YearBegin:  yearBegin,
			YearEnd:    yearEnd,
			MonthBegin: monthBegin,
			MonthEnd:   monthEnd,
			Reason:     reason,
		}
	}

	switch {
	case monthBegin < 1 || monthBegin > 12:
		return nil, rangeErr("begin month must be between 1 and 12")
	case monthEnd < 1 || monthEnd > 12:
		return nil, rangeErr("end month must be between 1 and 12")
	case yearBegin < 1 || yearEnd > 9999:
		return nil, rangeErr("years must be between 1 and 9999")
	case yearBegin > yearEnd:
		return nil, rangeErr("begin year is after end year")
	case yearBegin == yearEnd && monthBegin > monthEnd:
		return nil, rangeErr("begin month is after end month")
	}

	periods := make([]string, 0, (yearEnd-yearBegin)*12+monthEnd-monthBegin+1)
	for year := yearBegin; year <= yearEnd; year++ {
		first, last := 1, 12
		if year == yearBegin {
			first = monthBegin
		}
		if year == yearEnd {
			last = monthEnd
		}
		for month := first; month <= last; month++ {
			periods = append(periods, fmt.Sprintf("%04d%02d", year, month))
		}
	}
	return periods, nil
}

// MakeExtractionDimList builds the dx, pe and ou dimension strings, in that order.
func MakeExtractionDimList(dx, pe []string, ouLevel string) []string {
	return []string{
		DimensionData + dimensionValueSep + strings.Join(dx, dimensionItemSep),
		DimensionPeriod + dimensionValueSep + strings.Join(pe, dimensionItemSep),
		DimensionOrgUnit + dimensionValueSep + ouLevel,
	}
}
