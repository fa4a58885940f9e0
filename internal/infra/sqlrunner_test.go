package infra

import "testing"

func TestExtractMarker(t *testing.T) {
	cases := []struct {
		name      string
		query     string
		marker    string
		wantQuery string
		wantErr   bool
	}{
		{
			name:      "valid",
			query:     "\n--sql 327741e3-8272-4feb-8845-a11f0aa14fdf\nselect 1;\n",
			marker:    "327741e3-8272-4feb-8845-a11f0aa14fdf",
			wantQuery: "select 1;",
		},
		{name: "missing", query: "select 1;", wantErr: true},
		{name: "uppercase uuid", query: "--sql 327741E3-8272-4FEB-8845-A11F0AA14FDF\nselect 1;", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			marker, query, err := extractMarker(tc.query)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.query)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if marker != tc.marker || query != tc.wantQuery {
				t.Fatalf("got (%q, %q), want (%q, %q)", marker, query, tc.marker, tc.wantQuery)
			}
		})
	}
}
