package dialer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flowpbx/agentphone/internal/phonenumber"
)

// ErrNoPhoneColumn is returned when no column of an imported list holds
// phone numbers.
var ErrNoPhoneColumn = errors.New("no phone number column found")

var phoneHeaders = []string{"phone", "mobile", "number", "contact"}

// ParseCSV reads a prospect list. The phone column is the first whose
// header names a phone field; without one, it is the first column whose
// values look like phone numbers. Numbers are normalized and de-duplicated.
func ParseCSV(r io.Reader) ([]Prospect, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	rows = dropBlank(rows)
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	phoneCol := headerColumn(header, phoneHeaders)
	nameCol := headerColumn(header, []string{"name"})
	body := rows[1:]
	if phoneCol < 0 {
		phoneCol = dialableColumn(rows)
		if phoneCol < 0 {
			return nil, ErrNoPhoneColumn
		}
		nameCol = -1
		// Without a recognizable header the first row is data unless its
		// phone cell is not a number.
		if phonenumber.LooksDialable(cell(header, phoneCol)) {
			body = rows
		}
	}

	seen := make(map[string]bool)
	var prospects []Prospect
	for _, row := range body {
		raw := cell(row, phoneCol)
		if !phonenumber.LooksDialable(raw) {
			continue
		}
		number := normalize(raw)
		if seen[number] {
			continue
		}
		seen[number] = true
		prospects = append(prospects, Prospect{
			Number: number,
			Name:   cell(row, nameCol),
			Status: StatusPending,
		})
	}
	return prospects, nil
}

// normalize strips formatting and rewrites an international "00" prefix
// as "+".
func normalize(raw string) string {
	n := phonenumber.Compact(raw)
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	return n
}

func headerColumn(header []string, names []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, name := range names {
			if h == name || strings.HasPrefix(h, name+"_") || strings.HasSuffix(h, "_"+name) || strings.HasSuffix(h, " "+name) {
				return i
			}
		}
	}
	return -1
}

// dialableColumn returns the first column in which most values look like
// phone numbers.
func dialableColumn(rows [][]string) int {
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	for col := 0; col < width; col++ {
		hits, total := 0, 0
		for _, row := range rows {
			v := cell(row, col)
			if v == "" {
				continue
			}
			total++
			if phonenumber.LooksDialable(v) {
				hits++
			}
		}
		if total > 0 && hits*2 > total-1 && hits > 0 {
			return col
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func dropBlank(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		for _, v := range row {
			if strings.TrimSpace(v) != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}
