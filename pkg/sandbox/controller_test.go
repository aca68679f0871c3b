/*
Copyright 2026 Jordi Gil.

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

package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/consilium-ai/governor/pkg/audit"
)

func testSpec() Spec {
	return Spec{
		CandidateID: "cand-1",
		Runtime:     RuntimeKernelIsolation,
		Image:       "registry.internal/governor/sandbox:latest",
		Command:     []string{"/bin/sh", "-c", "echo ok"},
		Caps:        ResourceCaps{MemoryBytes: 64 << 20, CPUMillis: 250, WallClock: 150 * time.Millisecond},
	}
}

func TestController_WallClockExceeded_Killed(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	c := NewController(clientset, nil, "default", 2, nil, audit.NewMemoryStore(), logr.Discard())

	result, err := c.Execute(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.State != StateKilled {
		t.Errorf("State = %v, want killed when the job never reports completion within the cap", result.State)
	}
	if result.ResourceUsage == (ResourceUsageSample{}) {
		t.Error("expected a non-null partial resource-usage sample on kill")
	}
}

func TestController_SucceedsWhenJobCompletesInTime(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	c := NewController(clientset, nil, "default", 2, nil, audit.NewMemoryStore(), logr.Discard())
	c.pollInterval = 5 * time.Millisecond

	spec := testSpec()
	spec.Caps.WallClock = 2 * time.Second

	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(10 * time.Millisecond)
			jobs, err := clientset.BatchV1().Jobs("default").List(context.Background(), metav1.ListOptions{})
			if err == nil && len(jobs.Items) > 0 {
				job := jobs.Items[0]
				job.Status.Succeeded = 1
				_, _ = clientset.BatchV1().Jobs("default").UpdateStatus(context.Background(), &job, metav1.UpdateOptions{})
				return
			}
		}
	}()

	result, err := c.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.State != StateCompleted {
		t.Errorf("State = %v, want completed", result.State)
	}
	if !result.Success {
		t.Error("expected Success=true for a clean completion with no violations")
	}
}

func TestController_AdmissionPool_ResourceExhausted(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	c := NewController(clientset, nil, "default", 1, nil, audit.NewMemoryStore(), logr.Discard())
	c.slots <- struct{}{} // occupy the only slot

	_, err := c.Execute(context.Background(), testSpec())
	if err == nil {
		t.Fatal("expected ResourceExhausted when the admission pool is full")
	}
}

func TestDetectViolations_CriticalBreakout(t *testing.T) {
	violations := DetectViolations("attempting unshare(CLONE_NEWNS) to escape container")
	found := false
	for _, v := range violations {
		if v.Kind == ViolationContainerBreakout && v.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a critical container_breakout_attempt violation, got %+v", violations)
	}
}

func TestDetectViolations_CleanOutput(t *testing.T) {
	violations := DetectViolations("hello world\nexit code 0\n")
	if len(violations) != 0 {
		t.Errorf("expected no violations for clean output, got %+v", violations)
	}
}

func TestBuildJob_NoPrivilegedCapabilities(t *testing.T) {
	job := buildJob("test-job", "default", testSpec())
	sc := job.Spec.Template.Spec.Containers[0].SecurityContext
	if sc.RunAsNonRoot == nil || !*sc.RunAsNonRoot {
		t.Error("expected RunAsNonRoot=true")
	}
	if len(sc.Capabilities.Drop) != 1 || sc.Capabilities.Drop[0] != "ALL" {
		t.Errorf("expected capabilities dropped to ALL, got %v", sc.Capabilities.Drop)
	}
	var _ = batchv1.Job{}
}

func TestBuildJob_KernelIsolationSetsSeccomp(t *testing.T) {
	spec := testSpec()
	spec.Runtime = RuntimeKernelIsolation
	job := buildJob("test-job", "default", spec)
	sc := job.Spec.Template.Spec.Containers[0].SecurityContext
	if sc.SeccompProfile == nil || sc.SeccompProfile.Type != "RuntimeDefault" {
		t.Errorf("expected RuntimeDefault seccomp profile for kernel-isolation, got %+v", sc.SeccompProfile)
	}
	if job.Spec.Template.Spec.RuntimeClassName != nil {
		t.Errorf("expected no RuntimeClassName for kernel-isolation, got %v", *job.Spec.Template.Spec.RuntimeClassName)
	}
}

func TestBuildJob_MicroVMSetsRuntimeClass(t *testing.T) {
	spec := testSpec()
	spec.Runtime = RuntimeMicroVM
	job := buildJob("test-job", "default", spec)
	if job.Spec.Template.Spec.RuntimeClassName == nil || *job.Spec.Template.Spec.RuntimeClassName != microVMRuntimeClass {
		t.Errorf("expected RuntimeClassName %q for microvm, got %v", microVMRuntimeClass, job.Spec.Template.Spec.RuntimeClassName)
	}
	sc := job.Spec.Template.Spec.Containers[0].SecurityContext
	if sc.SeccompProfile != nil {
		t.Errorf("expected no seccomp profile for microvm (isolation via RuntimeClass), got %+v", sc.SeccompProfile)
	}
}
