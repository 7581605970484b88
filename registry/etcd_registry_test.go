package registry

import (
	"context"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, nil)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, "/obelisk/health"); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst1 := ServerInstance{Query: "tcp://127.0.0.1:9091", Block: "tcp://127.0.0.1:9093", Weight: 10, Version: 3}
	inst2 := ServerInstance{Query: "tcp://127.0.0.1:9191", Weight: 5, Version: 3}

	if err := reg.Register(ctx, "regtest", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "regtest", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "regtest")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	other, err := reg.Discover(ctx, "mainnet")
	if err != nil {
		t.Fatal(err)
	}
	for _, inst := range other {
		if inst.Query == inst1.Query || inst.Query == inst2.Query {
			t.Fatalf("regtest server leaked into mainnet: %+v", inst)
		}
	}

	if err := reg.Deregister(ctx, "regtest", inst1.Query); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover(ctx, "regtest")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Query != inst2.Query {
		t.Fatalf("expect %s, got %s", inst2.Query, instances[0].Query)
	}

	reg.Deregister(ctx, "regtest", inst2.Query)
}

func TestWatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "signet")
	inst := ServerInstance{Query: "tcp://127.0.0.1:39091", Weight: 1, Version: 3}
	if err := reg.Register(ctx, "signet", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "signet", inst.Query)

	select {
	case list := <-updates:
		found := false
		for _, i := range list {
			found = found || i.Query == inst.Query
		}
		if !found {
			t.Fatalf("registered server missing from %+v", list)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update")
	}
}

func TestStatic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Static{{Query: "tcp://a:9091", Weight: 1}}

	got, err := s.Discover(ctx, "mainnet")
	if err != nil || len(got) != 1 {
		t.Fatalf("expect one server, got %v, %v", got, err)
	}
	if _, err := (Static{}).Discover(ctx, "mainnet"); err != ErrNoServers {
		t.Fatalf("expect ErrNoServers, got %v", err)
	}
	if err := s.Register(ctx, "mainnet", ServerInstance{}, 1); err == nil {
		t.Fatal("static registry must be read-only")
	}

	ch := s.Watch(ctx, "mainnet")
	if list := <-ch; len(list) != 1 {
		t.Fatalf("expect initial list, got %v", list)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("watch channel should close with the context")
	}
}
