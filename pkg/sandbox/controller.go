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
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
	"k8s.io/utils/ptr"

	"github.com/consilium-ai/governor/internal/metrics"
	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
	"github.com/consilium-ai/governor/pkg/audit"
)

// ImageVerifier checks a sandbox image's content-addressed digest before
// admission (spec.md §4.H "image-digest integrity check").
type ImageVerifier interface {
	VerifyDigest(ctx context.Context, image, expectedDigest string) error
}

// LogFetcher retrieves a pod's combined log output for violation scanning.
type LogFetcher func(ctx context.Context, namespace, podName string) (string, error)

// Controller is Component H: admits candidate/agent code as restricted
// batch/v1.Job executions, enforcing resource caps and detecting escape
// attempts (spec.md §4.H).
type Controller struct {
	client        kubernetes.Interface
	metricsClient metricsclientset.Interface
	namespace     string
	verifier      ImageVerifier
	logFetcher    LogFetcher
	auditLog      audit.Store
	log           logr.Logger

	slots chan struct{} // bounded admission pool (spec.md §5)

	pollInterval time.Duration

	coldStartP95Kernel  time.Duration
	coldStartP95MicroVM time.Duration
}

// SetColdStartBudgets installs the per-runtime cold-start P95 budgets
// (spec.md §4.H: ≤100ms kernel-isolation, ≤200ms microVM); an admission
// over budget is logged so the contract is observable per execution.
func (c *Controller) SetColdStartBudgets(kernel, microVM time.Duration) {
	c.coldStartP95Kernel = kernel
	c.coldStartP95MicroVM = microVM
}

func (c *Controller) coldStartBudget(r Runtime) time.Duration {
	if r == RuntimeMicroVM {
		return c.coldStartP95MicroVM
	}
	return c.coldStartP95Kernel
}

// NewController constructs a Controller bounded to maxConcurrent
// simultaneous executions (spec.md §4.H, §5). metricsClient is the
// metrics.k8s.io clientset Execute samples resource usage from; a nil
// metricsClient degrades to a timestamp-only sample (e.g. in tests
// against a plain fake.Clientset that doesn't serve the metrics API).
func NewController(client kubernetes.Interface, metricsClient metricsclientset.Interface, namespace string, maxConcurrent int, verifier ImageVerifier, auditLog audit.Store, log logr.Logger) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Controller{
		client:        client,
		metricsClient: metricsClient,
		namespace:     namespace,
		verifier:      verifier,
		auditLog:      auditLog,
		log:           log,
		slots:         make(chan struct{}, maxConcurrent),
		pollInterval:  20 * time.Millisecond,
		logFetcher:    defaultLogFetcher(client),
	}
}

func defaultLogFetcher(client kubernetes.Interface) LogFetcher {
	return func(ctx context.Context, namespace, podName string) (string, error) {
		req := client.CoreV1().Pods(namespace).GetLogs(podName, &corev1.PodLogOptions{})
		stream, err := req.Stream(ctx)
		if err != nil {
			return "", err
		}
		defer stream.Close()
		body, err := io.ReadAll(stream)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}

// Execute admits spec, runs it as a Job, monitors wall-clock and
// resource usage, and returns its terminal Result (spec.md §4.H). A
// full admission pool fails fast with ResourceExhausted rather than
// queuing silently (spec.md §5 backpressure).
func (c *Controller) Execute(ctx context.Context, spec Spec) (Result, error) {
	select {
	case c.slots <- struct{}{}:
	default:
		return Result{}, govterrors.New(govterrors.KindResourceExhausted, fmt.Errorf("sandbox pool at capacity"))
	}
	defer func() { <-c.slots }()

	start := time.Now()

	if spec.ExpectedDigest != "" && c.verifier != nil {
		if err := c.verifier.VerifyDigest(ctx, spec.Image, spec.ExpectedDigest); err != nil {
			return Result{State: StateFailed}, govterrors.FailedToWithDetails("verify sandbox image digest", "sandbox", spec.Image, err)
		}
	}

	jobName := "govsbx-" + uuid.NewString()[:8]
	job := buildJob(jobName, c.namespace, spec)

	created, err := c.client.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return Result{State: StateFailed}, govterrors.FailedToWithDetails("create sandbox job", "sandbox", jobName, err)
	}
	coldStart := time.Since(start)
	c.log.V(1).Info("sandbox job admitted", "job", jobName, "runtime", string(spec.Runtime), "candidate", spec.CandidateID, "coldStart", coldStart)
	if budget := c.coldStartBudget(spec.Runtime); budget > 0 && coldStart > budget {
		c.log.Info("sandbox cold start exceeded its P95 budget", "job", jobName, "coldStart", coldStart, "budget", budget)
	}

	deadline := spec.Caps.WallClock
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	state, usage := c.waitForCompletion(runCtx, created.Name)

	var violations []Violation
	if logs, err := c.fetchLogsBestEffort(ctx, jobName); err == nil {
		violations = DetectViolations(logs)
	}

	if state == StateRunning {
		// Wall-clock exceeded: kill.
		c.log.Info("sandbox wall-clock cap exceeded, killing", "job", jobName, "cap", deadline)
		_ = c.cancelJob(context.Background(), jobName)
		state = StateKilled
	}

	if hasCritical(violations) {
		c.log.Info("critical sandbox violation detected, killing", "job", jobName, "candidate", spec.CandidateID)
		_ = c.cancelJob(context.Background(), jobName)
		state = StateFailed
		if c.auditLog != nil {
			_, _ = c.auditLog.Append(context.Background(), "sandbox.controller", audit.KindSecurityViolation,
				map[string]interface{}{"candidate_id": spec.CandidateID, "job": jobName}, spec.ConstitutionalID)
		}
	}

	total := time.Since(start)
	for _, v := range violations {
		metrics.RecordSandboxViolation(string(v.Severity))
	}
	metrics.RecordSandboxExecution(string(spec.Runtime), string(state), coldStart)

	return Result{
		Success:       state == StateCompleted && !hasCritical(violations),
		ResourceUsage: usage,
		Violations:    violations,
		ColdStartTime: coldStart,
		TotalTime:     total,
		State:         state,
	}, nil
}

// Cancel cooperatively cancels a running execution: a short grace period
// then a kill (spec.md §4.H, §5).
func (c *Controller) Cancel(ctx context.Context, jobName string) error {
	return c.client.BatchV1().Jobs(c.namespace).Delete(ctx, jobName, metav1.DeleteOptions{GracePeriodSeconds: ptr.To(int64(5))})
}

func (c *Controller) cancelJob(ctx context.Context, jobName string) error {
	return c.client.BatchV1().Jobs(c.namespace).Delete(ctx, jobName, metav1.DeleteOptions{GracePeriodSeconds: ptr.To(int64(0))})
}

// waitForCompletion polls the Job's status until it reaches a terminal
// condition or runCtx's deadline fires. A live deadline fire is reported
// back as StateRunning so the caller can map it to killed.
func (c *Controller) waitForCompletion(runCtx context.Context, jobName string) (State, ResourceUsageSample) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			// runCtx is already cancelled; sample on a fresh background
			// context so a wall-clock kill still carries a best-effort
			// partial usage reading (spec.md boundary behaviour: a
			// killed execution returns a non-null partial sample).
			return StateRunning, c.sampleUsage(context.Background(), jobName)
		case <-ticker.C:
			job, err := c.client.BatchV1().Jobs(c.namespace).Get(runCtx, jobName, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return StateFailed, c.sampleUsage(runCtx, jobName)
				}
				continue
			}
			if job.Status.Succeeded > 0 {
				return StateCompleted, c.sampleUsage(runCtx, jobName)
			}
			if job.Status.Failed > 0 {
				return StateFailed, c.sampleUsage(runCtx, jobName)
			}
		}
	}
}

// sampleUsage reads the Job's pods' current resource usage from the
// metrics.k8s.io clientset (spec.md §4.H "monitors resource usage",
// invariant 7). Best-effort: a nil metricsClient, a pod not yet scraped,
// or a transient metrics-server error all degrade to a timestamp-only
// sample rather than failing the execution.
func (c *Controller) sampleUsage(ctx context.Context, jobName string) ResourceUsageSample {
	sample := ResourceUsageSample{SampledAt: time.Now()}
	if c.metricsClient == nil {
		return sample
	}

	pods, err := c.client.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + jobName})
	if err != nil {
		return sample
	}

	for _, pod := range pods.Items {
		pm, err := c.metricsClient.MetricsV1beta1().PodMetricses(c.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if err != nil {
			continue
		}
		for _, container := range pm.Containers {
			sample.CPUMillis += container.Usage.Cpu().MilliValue()
			sample.MemoryBytes += container.Usage.Memory().Value()
		}
	}
	return sample
}

func (c *Controller) fetchLogsBestEffort(ctx context.Context, jobName string) (string, error) {
	pods, err := c.client.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + jobName})
	if err != nil || len(pods.Items) == 0 {
		return "", err
	}
	return c.logFetcher(ctx, c.namespace, pods.Items[0].Name)
}

func hasCritical(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// microVMRuntimeClass is the cluster-installed RuntimeClass a microVM
// sandbox is admitted under (spec.md §4.H "stronger isolation, higher
// cold-start cost"; a kata or gvisor RuntimeClass handler is assumed
// pre-installed, matching the out-of-scope deployment tooling in
// spec.md §1).
const microVMRuntimeClass = "kata"

// buildJob constructs a restricted batch/v1.Job: resource caps, DNS
// resolution disabled by default (DNSPolicy None with a loopback
// nameserver), read-only root filesystem when requested, minimal
// capabilities (spec.md §4.H). No NetworkPolicy is created, so the pod
// keeps its cluster network interface. The two runtimes differ in
// isolation mechanism:
// kernel-isolation runs under the default RuntimeClass with a seccomp
// profile; microvm is admitted under a sandboxed RuntimeClass (kata/
// gvisor) for hardware-level isolation.
func buildJob(name, namespace string, spec Spec) *batchv1.Job {
	securityContext := &corev1.SecurityContext{
		RunAsNonRoot:             ptr.To(true),
		ReadOnlyRootFilesystem:   ptr.To(spec.ReadOnlyRootFS),
		AllowPrivilegeEscalation: ptr.To(false),
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
	}
	if spec.Runtime != RuntimeMicroVM {
		// The microVM boundary already isolates the guest kernel;
		// kernel-isolation relies on the host seccomp filter instead.
		securityContext.SeccompProfile = &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault}
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: "governor-sandbox",
		Containers: []corev1.Container{
			{
				Name:    "candidate",
				Image:   spec.Image,
				Command: spec.Command,
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceMemory: *resource.NewQuantity(spec.Caps.MemoryBytes, resource.BinarySI),
						corev1.ResourceCPU:    *resource.NewMilliQuantity(spec.Caps.CPUMillis, resource.DecimalSI),
					},
				},
				SecurityContext: securityContext,
			},
		},
	}

	if spec.Runtime == RuntimeMicroVM {
		podSpec.RuntimeClassName = ptr.To(microVMRuntimeClass)
	}

	if !spec.NetworkEnabled {
		podSpec.HostNetwork = false
		// DNSPolicy: None requires an explicit DNSConfig or the apiserver
		// rejects the pod spec; a loopback-only nameserver keeps the
		// field non-empty without handing the sandbox real resolution.
		podSpec.DNSPolicy = corev1.DNSNone
		podSpec.DNSConfig = &corev1.PodDNSConfig{Nameservers: []string{"127.0.0.1"}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app":                      "governor-sandbox",
				"governor/candidate":       spec.CandidateID,
				"governor/runtime":         string(spec.Runtime),
				"governor/constitutional":  spec.ConstitutionalID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"job-name": name}},
				Spec:       podSpec,
			},
		},
	}
}
