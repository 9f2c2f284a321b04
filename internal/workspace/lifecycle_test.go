package workspace

import "testing"

func TestParseDF(t *testing.T) {
	out := `Filesystem        1B-blocks       Used  Available Use% Mounted on
/dev/vda1       10726932480 3221225472 7505707008  30% /home/dev
`
	used, total, err := ParseDF(out)
	if err != nil {
		t.Fatalf("ParseDF: %v", err)
	}
	if total != 10726932480 {
		t.Fatalf("total = %d", total)
	}
	if used != 3221225472 {
		t.Fatalf("used = %d", used)
	}
}

func TestParseDFWrappedDevice(t *testing.T) {
	// 设备名太长时 df 会折行，挂载行始终是最后一行
	out := `Filesystem              1B-blocks       Used  Available Use% Mounted on
/dev/mapper/vg0-workspaces
                      10726932480 3221225472 7505707008  30% /home/dev
`
	used, total, err := ParseDF(out)
	if err != nil {
		t.Fatalf("ParseDF: %v", err)
	}
	if total != 10726932480 || used != 3221225472 {
		t.Fatalf("used/total = %d/%d", used, total)
	}
}

func TestParseDFMalformed(t *testing.T) {
	if _, _, err := ParseDF("garbage"); err == nil {
		t.Fatal("expected error on malformed output")
	}
	if _, _, err := ParseDF(""); err == nil {
		t.Fatal("expected error on empty output")
	}
}
