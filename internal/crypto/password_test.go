package crypto

import "testing"

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if err := CheckPassword(hash, "secret"); err != nil {
		t.Fatalf("expected password to match")
	}
	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected password mismatch")
	}
}

func TestFingerprintNormalizes(t *testing.T) {
	if Fingerprint(" Asha@College.edu ") != Fingerprint("asha@college.edu") {
		t.Fatalf("expected case and whitespace insensitive fingerprint")
	}
	if Fingerprint("a@college.edu") == Fingerprint("b@college.edu") {
		t.Fatalf("expected distinct fingerprints")
	}
}
