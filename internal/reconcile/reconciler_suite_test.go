/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconcile

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
	"github.com/projectbeskar/truenas-incus/internal/truenas/fake"
)

func TestReconcile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconcile Suite")
}

func newFixture(config *fake.Config) (*Reconciler, *fake.Server) {
	server, endpoint, closeServer, err := fake.StartFakeServer(config)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(closeServer)

	client, err := api.NewClient(&api.Config{Endpoint: endpoint, APIKey: "test-key"})
	Expect(err).NotTo(HaveOccurred())

	return New(client, WithPollInterval(5*time.Millisecond)), server
}

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		reconciler *Reconciler
		server     *fake.Server
		opts       Options
	)

	BeforeEach(func() {
		ctx = context.Background()
		reconciler, server = newFixture(nil)
		opts = Options{Timeout: time.Second}
	})

	Describe("idempotence", func() {
		DescribeTable("reports no change when the instance already matches",
			func(status string, desired State) {
				server.AddInstance("web", "CONTAINER", status)

				result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, desired, opts)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Changed).To(BeFalse())
				Expect(server.MutatingCalls()).To(BeZero())
			},
			Entry("present", api.StatusStopped, StatePresent),
			Entry("started", api.StatusRunning, StateStarted),
			Entry("stopped", api.StatusStopped, StateStopped),
		)

		It("reports no change for absent when nothing exists", func() {
			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateAbsent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeFalse())
			Expect(result.Instance).To(BeNil())
			Expect(server.CallCount(fake.RouteList)).To(Equal(1))
		})

		It("always restarts", func() {
			server.AddInstance("web", "CONTAINER", api.StatusRunning)

			for i := 0; i < 2; i++ {
				result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateRestarted, opts)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Changed).To(BeTrue())
			}
			Expect(server.CallCount(fake.RouteRestart)).To(Equal(2))
		})
	})

	Describe("check mode", func() {
		DescribeTable("never mutates",
			func(seed bool, status string, desired State) {
				if seed {
					server.AddInstance("web", "CONTAINER", status)
				}
				opts.CheckMode = true

				result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, desired, opts)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Changed).To(BeTrue())
				Expect(server.MutatingCalls()).To(BeZero())
				Expect(server.CallCount(fake.RouteList)).To(Equal(1))
			},
			Entry("present on a missing instance", false, "", StatePresent),
			Entry("absent on an existing instance", true, api.StatusRunning, StateAbsent),
			Entry("started on a stopped instance", true, api.StatusStopped, StateStarted),
			Entry("stopped on a running instance", true, api.StatusRunning, StateStopped),
			Entry("restarted on a running instance", true, api.StatusRunning, StateRestarted),
		)
	})

	Describe("present", func() {
		It("creates and autostarts when boot.autostart is set", func() {
			spec := &InstanceSpec{
				Name:   "matchbox",
				Source: &api.Source{Alias: "alpine/3.19"},
				Config: map[string]string{"boot.autostart": "true"},
			}

			result, err := reconciler.Reconcile(ctx, spec, StatePresent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())
			Expect(result.Instance).NotTo(BeNil())
			Expect(result.Instance.Name).To(Equal("matchbox"))

			Expect(server.CallCount(fake.RouteCreate)).To(Equal(1))
			Expect(server.CallCount(fake.RouteStart)).To(Equal(1))

			inst, ok := server.Instance("matchbox")
			Expect(ok).To(BeTrue())
			Expect(inst.Status).To(Equal(api.StatusRunning))
			Expect(inst.Type).To(Equal("CONTAINER"))
			Expect(inst.Source).To(HaveKeyWithValue("type", "IMAGE"))
			Expect(inst.Source).To(HaveKeyWithValue("server", api.DefaultImageServer))
		})

		It("creates without starting otherwise", func() {
			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "plain", Kind: api.KindVM}, StatePresent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())
			Expect(server.CallCount(fake.RouteStart)).To(BeZero())

			inst, _ := server.Instance("plain")
			Expect(inst.Status).To(Equal(api.StatusStopped))
			Expect(inst.Type).To(Equal("VM"))
		})

		It("leaves the caller's spec untouched", func() {
			source := &api.Source{Alias: "debian/12"}
			spec := &InstanceSpec{Name: "pxe", Source: source}

			_, err := reconciler.Reconcile(ctx, spec, StatePresent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(spec.Kind).To(BeEmpty())
			Expect(spec.Source).To(BeIdenticalTo(source))
			Expect(*source).To(Equal(api.Source{Alias: "debian/12"}))
		})

		It("refuses to autostart a created instance without an id", func() {
			client := &idlessClient{}
			idless := New(client, WithPollInterval(5*time.Millisecond))

			spec := &InstanceSpec{Name: "matchbox", Config: map[string]string{"boot.autostart": "true"}}
			_, err := idless.Reconcile(ctx, spec, StatePresent, opts)
			Expect(errors.IsRemoteCall(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("created instance has no id"))
			Expect(client.creates).To(Equal(1))
			Expect(client.starts).To(BeZero())
		})
	})

	Describe("absent", func() {
		It("stops a running instance before deleting it", func() {
			server.AddInstance("web", "CONTAINER", api.StatusRunning)

			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateAbsent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())

			_, exists := server.Instance("web")
			Expect(exists).To(BeFalse())

			calls := server.Calls()
			Expect(calls).To(HaveLen(3))
			Expect(calls[1].Route).To(Equal(fake.RouteStop))
			Expect(calls[2].Route).To(Equal(fake.RouteDelete))
		})

		It("deletes an instance with a mixed-case name", func() {
			server.AddInstance("Matchbox", "CONTAINER", api.StatusRunning)

			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "Matchbox"}, StateAbsent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())

			_, exists := server.Instance("Matchbox")
			Expect(exists).To(BeFalse())
		})

		It("tolerates the already-stopped conflict", func() {
			server.AddInstance("web", "CONTAINER", api.StatusStopped)

			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateAbsent, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())
			Expect(server.CallCount(fake.RouteDelete)).To(Equal(1))
		})
	})

	Describe("power states", func() {
		It("fails for a ghost instance after only the lookup", func() {
			_, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "ghost"}, StateStarted, opts)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsNotFound(err)).To(BeTrue())
			Expect(server.Calls()).To(HaveLen(1))
			Expect(server.CallCount(fake.RouteList)).To(Equal(1))
		})

		It("starts and waits for Running", func() {
			reconciler, server = newFixture(&fake.Config{PendingLookups: 3})
			seeded := server.AddInstance("web", "CONTAINER", api.StatusStopped)

			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateStarted, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())
			Expect(string(result.Instance.ID)).To(Equal(seeded.ID))
			// lookup, three transitional polls and one converged poll
			Expect(server.CallCount(fake.RouteList)).To(Equal(5))
		})

		It("treats a 409 on start as success", func() {
			server.AddInstance("web", "CONTAINER", api.StatusRunning)
			server.SetReportedStatus("web", api.StatusStopped, 1)

			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateStarted, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())
			Expect(server.CallCount(fake.RouteStart)).To(Equal(1))
		})

		It("does not fail when the wait times out", func() {
			reconciler, server = newFixture(&fake.Config{PendingLookups: 1000})
			server.AddInstance("web", "CONTAINER", api.StatusRunning)

			opts.Timeout = 30 * time.Millisecond
			result, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateStopped, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())
			Expect(server.CallCount(fake.RouteStop)).To(Equal(1))
		})

		It("returns remote failures", func() {
			reconciler, server = newFixture(&fake.Config{PowerFailure: true})
			server.AddInstance("web", "CONTAINER", api.StatusStopped)

			_, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "web"}, StateStarted, opts)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsRemoteCall(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("Failed to start instance"))
		})
	})

	Describe("validation", func() {
		It("rejects bad input before calling the API", func() {
			_, err := reconciler.Reconcile(ctx, &InstanceSpec{Name: "Not_A_Label", Kind: "LXC"}, StatePresent, opts)
			Expect(errors.IsInvalidSpec(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("Not_A_Label"))
			Expect(err.Error()).To(ContainSubstring("LXC"))
			Expect(server.Calls()).To(BeEmpty())
		})
	})
})

// idlessClient creates instances the list endpoint never reports
type idlessClient struct {
	creates int
	starts  int
}

func (c *idlessClient) FindInstance(ctx context.Context, name string) (*api.Instance, error) {
	return nil, nil
}

func (c *idlessClient) CreateInstance(ctx context.Context, req *api.CreateRequest) (*api.Instance, error) {
	c.creates++
	return &api.Instance{Name: req.Name}, nil
}

func (c *idlessClient) DeleteInstance(ctx context.Context, id api.InstanceID) error {
	return nil
}

func (c *idlessClient) StartInstance(ctx context.Context, id api.InstanceID) error {
	c.starts++
	return nil
}

func (c *idlessClient) StopInstance(ctx context.Context, id api.InstanceID) error {
	return nil
}

func (c *idlessClient) RestartInstance(ctx context.Context, id api.InstanceID) error {
	return nil
}
