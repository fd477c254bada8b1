package dialer

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
		names []string
	}{
		{
			name:  "phone header",
			input: "Name,Phone Number,Email\nAlice,+1 (415) 555-0101,a@example.com\nBob,415.555.0102,b@example.com\n",
			want:  []string{"+14155550101", "4155550102"},
			names: []string{"Alice", "Bob"},
		},
		{
			name:  "mobile header wins over position",
			input: "id,mobile\n1001,0044 20 7183 8750\n1002,0044 20 7183 8751\n",
			want:  []string{"+442071838750", "+442071838751"},
		},
		{
			name:  "no header, detected column",
			input: "Alice,4155550101\nBob,4155550102\n",
			want:  []string{"4155550101", "4155550102"},
		},
		{
			name:  "unknown header, detected column",
			input: "who,tel\nAlice,4155550101\nBob,4155550102\n",
			want:  []string{"4155550101", "4155550102"},
		},
		{
			name:  "duplicates and junk dropped",
			input: "phone\n4155550101\n(415) 555-0101\nn/a\n123\n\n4155550103\n",
			want:  []string{"4155550101", "4155550103"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCSV(strings.NewReader(tt.input))
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d prospects %+v, want %v", len(got), got, tt.want)
			}
			for i, p := range got {
				if p.Number != tt.want[i] {
					t.Errorf("prospect %d = %q, want %q", i, p.Number, tt.want[i])
				}
				if p.Status != StatusPending {
					t.Errorf("prospect %d status = %q", i, p.Status)
				}
				if tt.names != nil && p.Name != tt.names[i] {
					t.Errorf("prospect %d name = %q, want %q", i, p.Name, tt.names[i])
				}
			}
		})
	}
}

func TestParseCSVNoPhoneColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("name,city\nAlice,Paris\nBob,Oslo\n"))
	if !errors.Is(err, ErrNoPhoneColumn) {
		t.Fatalf("err = %v, want ErrNoPhoneColumn", err)
	}
}

func TestParseCSVEmpty(t *testing.T) {
	got, err := ParseCSV(strings.NewReader("\n\n"))
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}
