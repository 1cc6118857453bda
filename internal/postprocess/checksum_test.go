package postprocess

import "testing"

func TestChecksum_Verify(t *testing.T) {
	t.Parallel()
	body := []byte(`{"a":1}`)
	sha, _ := Compute(AlgorithmSHA256, body)
	xx, _ := Compute(AlgorithmXXH64, body)

	tests := []struct {
		name    string
		sum     Checksum
		wantErr bool
	}{
		{"sha256", Checksum{AlgorithmSHA256, sha}, false},
		{"sha256 uppercase", Checksum{"SHA256", sha}, false},
		{"xxh64", Checksum{AlgorithmXXH64, xx}, false},
		{"sha256 wrong", Checksum{AlgorithmSHA256, xx}, true},
		{"unsupported", Checksum{"crc32", "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.sum.Verify(body); (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompute_XXH64Padding(t *testing.T) {
	t.Parallel()
	got, err := Compute(AlgorithmXXH64, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 16 {
		t.Errorf("xxh64 digest should be 16 hex chars, got %q", got)
	}
}
