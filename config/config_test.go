package config

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/rocketbitz/kmesh-go/kmsg"
)

func TestLoadDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != kmsg.Port {
		t.Fatalf("default port %d, want %d", cfg.Port, kmsg.Port)
	}
	if cfg.NodeID != -1 {
		t.Fatalf("default node id %d, want -1", cfg.NodeID)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("default log level %q", cfg.LogLevel)
	}
}

func TestMeshNodesPortOverride(t *testing.T) {
	cfg := &Config{
		Nodes: []string{"10.0.0.1", "10.0.0.2:12345"},
		Port:  kmsg.Port,
	}
	nodes, err := cfg.MeshNodes()
	if err != nil {
		t.Fatalf("MeshNodes failed: %v", err)
	}
	if nodes[0].Host != "10.0.0.1" || nodes[0].Port != kmsg.Port {
		t.Fatalf("node 0 resolved to %+v", nodes[0])
	}
	if nodes[1].Host != "10.0.0.2" || nodes[1].Port != 12345 {
		t.Fatalf("node 1 resolved to %+v", nodes[1])
	}
}

func TestMeshNodesRejectsTinyMesh(t *testing.T) {
	cfg := &Config{Nodes: []string{"10.0.0.1"}}
	if _, err := cfg.MeshNodes(); err == nil {
		t.Fatalf("expected failure for a single-member mesh")
	}
}

func TestResolveNodeIDExplicit(t *testing.T) {
	cfg := &Config{NodeID: 1, Nodes: []string{"a", "b"}}
	id, err := cfg.ResolveNodeID()
	if err != nil || id != 1 {
		t.Fatalf("ResolveNodeID returned (%d, %v)", id, err)
	}

	cfg.NodeID = 5
	if _, err := cfg.ResolveNodeID(); err == nil {
		t.Fatalf("expected failure for out-of-range id")
	}
}

func TestResolveNodeIDByInterface(t *testing.T) {
	cfg := &Config{
		NodeID: -1,
		Nodes:  []string{"192.0.2.1", "127.0.0.1"},
		Port:   kmsg.Port,
	}
	id, err := cfg.ResolveNodeID()
	if err != nil {
		t.Skipf("no loopback interface visible: %v", err)
	}
	if id != 1 {
		t.Fatalf("detected id %d, want 1", id)
	}
}
