package domain

import "testing"

func TestValidateSpecID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"user-auth", false},
		{"feature_01", false},
		{"v2.billing", false},
		{"", true},
		{"..", true},
		{"../etc", true},
		{"a/b", true},
		{"-leading", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateSpecID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSpecID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
