// Package backend — Kubernetes backend: allocates one pod per process
// (spec.md §4.17 domain stack; the teacher's pack carries k8s.io/client-go
// for node/pod introspection — here it is the allocator itself, not just a
// node inventory source).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
)

const tcpServerContainerPort = 51080

type k8sHandle struct {
	podName string
	k       *K8s
}

func (h *k8sHandle) Stop() error {
	return h.k.clientset.CoreV1().Pods(h.k.cfg.Namespace).
		Delete(context.Background(), h.podName, metav1.DeleteOptions{})
}

// K8s implements cluster.Backend by creating one pod per process and
// polling its status until it has a pod IP.
type K8s struct {
	cfg       Config
	clientset *kubernetes.Clientset
}

func NewK8s(cfg Config) (*K8s, error) {
	if cfg.MaxVCPUs == 0 {
		cfg.MaxVCPUs = 32
	}
	if cfg.MaxMemMB == 0 {
		cfg.MaxMemMB = 1 << 16
	}
	restCfg, err := loadKubeconfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	return &K8s{cfg: cfg, clientset: cs}, nil
}

func loadKubeconfig(path string) (*rest.Config, error) {
	if path == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", path)
}

func (k *K8s) Bounds() (minV, maxV int, minM, maxM int64) {
	return k.cfg.MinVCPUs, k.cfg.MaxVCPUs, k.cfg.MinMemMB, k.cfg.MaxMemMB
}

func (k *K8s) AllocateProcess(p *cluster.Process, res cluster.Resources, cb func(ip string, port uint16, err error)) {
	podName := "aislambda-proc-" + p.Name()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: k.cfg.Namespace,
			Labels:    map[string]string{"aislambda/process": p.Name()},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "process-controller",
				Image: k.cfg.Image,
				Env: podEnv(k.cfg, p),
				Ports: []corev1.ContainerPort{{ContainerPort: tcpServerContainerPort}},
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    *resource.NewQuantity(int64(res.VCPUs), resource.DecimalSI),
						corev1.ResourceMemory: *resource.NewQuantity(res.MemoryMB<<20, resource.BinarySI),
					},
				},
			}},
		},
	}

	created, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	if err != nil {
		cb("", 0, err)
		return
	}
	p.SetHandle(&k8sHandle{podName: created.Name, k: k})
	nlog.Infof("k8s backend: created pod %s/%s for process %q", k.cfg.Namespace, created.Name, p.Name())

	go k.awaitReady(created.Name, cb)
}

func podEnv(cfg Config, p *cluster.Process) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "PROCESS_ID", Value: p.Name()},
		{Name: "CONTROLPLANE_ADDR", Value: cfg.ControlplaneAddr},
		{Name: "CODE_LOCATION", Value: cfg.CodeLocation},
	}
	if loc := p.SwapLoc(); loc != nil && p.Status() == cluster.SwappingIn {
		env = append(env, corev1.EnvVar{Name: "SWAPIN_LOCATION", Value: loc.Scheme + "://" + loc.Path})
	}
	return env
}

func (k *K8s) awaitReady(podName string, cb func(ip string, port uint16, err error)) {
	watcher, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Watch(context.Background(), metav1.ListOptions{
		FieldSelector: "metadata.name=" + podName,
	})
	if err != nil {
		cb("", 0, err)
		return
	}
	defer watcher.Stop()
	for ev := range watcher.ResultChan() {
		pod, ok := ev.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		if pod.Status.Phase == corev1.PodFailed {
			cb("", 0, fmt.Errorf("pod %s failed: %s", podName, pod.Status.Reason))
			return
		}
		if pod.Status.PodIP != "" && pod.Status.Phase == corev1.PodRunning {
			cb(pod.Status.PodIP, tcpServerContainerPort, nil)
			return
		}
	}
}

func (k *K8s) DeleteProcess(p *cluster.Process) error {
	h := p.Handle()
	if h == nil {
		return cos.NewErrNotFound("backend handle for process %q", p.Name())
	}
	err := h.Stop()
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
