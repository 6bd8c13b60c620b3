package mediadev

import "testing"

func TestCString(t *testing.T) {
	b := make([]byte, 32)
	copy(b, "rkisp1_params")
	if got := cString(b); got != "rkisp1_params" {
		t.Errorf("cString() = %q, want %q", got, "rkisp1_params")
	}
}

func TestLastPathElement(t *testing.T) {
	if got := lastPathElement("/sys/devices/platform/video4"); got != "video4" {
		t.Errorf("lastPathElement() = %q, want %q", got, "video4")
	}
}

func TestDiscoverMissingMediaDevice(t *testing.T) {
	if _, err := Discover("/dev/does-not-exist-campipe-test", "ov13850"); err == nil {
		t.Fatal("Discover on a nonexistent media device: want error, got nil")
	}
}

func TestRequiredEntityNamesAreDistinct(t *testing.T) {
	names := []string{EntityISPSubdev, EntityMainPath, EntitySelfPath, EntityStats, EntityParams, EntityDphy}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			t.Errorf("duplicate required entity name %q", n)
		}
		seen[n] = true
	}
}

func TestSetupLinkSkipsImmutableLinks(t *testing.T) {
	topo := &Topology{mediaFd: -1}
	l := link{sourceEntity: 1, sinkEntity: 2, flags: mediaLnkFlImmutable}
	if err := topo.setupLink(l, true); err != nil {
		t.Errorf("setupLink on an immutable link should no-op, got error: %v", err)
	}
}

func TestDphyLinkActionDisablesInactiveSensors(t *testing.T) {
	const activeSensor, otherSensor, dphy, isp uint32 = 10, 20, 30, 40

	relevant, enable := dphyLinkAction(link{sourceEntity: activeSensor, sinkEntity: dphy}, activeSensor, dphy, isp)
	if !relevant || !enable {
		t.Errorf("active sensor->dphy link: got relevant=%v enable=%v, want true/true", relevant, enable)
	}

	relevant, enable = dphyLinkAction(link{sourceEntity: otherSensor, sinkEntity: dphy}, activeSensor, dphy, isp)
	if !relevant || enable {
		t.Errorf("inactive sensor->dphy link: got relevant=%v enable=%v, want true/false", relevant, enable)
	}

	relevant, enable = dphyLinkAction(link{sourceEntity: dphy, sinkEntity: isp}, activeSensor, dphy, isp)
	if !relevant || !enable {
		t.Errorf("dphy->isp link: got relevant=%v enable=%v, want true/true", relevant, enable)
	}

	relevant, _ = dphyLinkAction(link{sourceEntity: isp, sinkEntity: 99}, activeSensor, dphy, isp)
	if relevant {
		t.Error("unrelated link: got relevant=true, want false")
	}
}
