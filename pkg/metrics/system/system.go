// Package system 采集主机与本进程的资源占用，按 Prometheus Collector 暴露。
package system

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats 一次采样结果
type Stats struct {
	// 主机整体 CPU 使用率 (0-100)，自上次采样起算
	HostCPUPercent float64
	// 主机整体内存使用率 (0-100)
	HostMemoryPercent float64
	// 本进程 RSS 占主机内存的比例 (0-100)
	ProcessMemoryPercent float64
	// 本进程 CPU 使用率
	ProcessCPUPercent float64
}

// Collector 在每次 scrape 时采样
type Collector struct {
	mu   sync.Mutex
	proc *process.Process

	hostCPU    *prometheus.Desc
	hostMem    *prometheus.Desc
	processCPU *prometheus.Desc
	processMem *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector 创建收集器，namespace 为指标前缀
func NewCollector(namespace string) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		proc:       proc,
		hostCPU:    desc("host_cpu_percent", "Host CPU utilisation since the previous scrape."),
		hostMem:    desc("host_memory_percent", "Host memory utilisation."),
		processCPU: desc("process_cpu_percent", "CPU utilisation of this process since the previous scrape."),
		processMem: desc("process_memory_percent", "Resident memory of this process relative to host memory."),
	}, nil
}

// Describe 实现 prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hostCPU
	ch <- c.hostMem
	ch <- c.processCPU
	ch <- c.processMem
}

// Collect 实现 prometheus.Collector，单项采样失败时跳过该项
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s, ok := c.sample()
	if ok.hostCPU {
		ch <- prometheus.MustNewConstMetric(c.hostCPU, prometheus.GaugeValue, s.HostCPUPercent)
	}
	if ok.hostMem {
		ch <- prometheus.MustNewConstMetric(c.hostMem, prometheus.GaugeValue, s.HostMemoryPercent)
	}
	if ok.processCPU {
		ch <- prometheus.MustNewConstMetric(c.processCPU, prometheus.GaugeValue, s.ProcessCPUPercent)
	}
	if ok.processMem {
		ch <- prometheus.MustNewConstMetric(c.processMem, prometheus.GaugeValue, s.ProcessMemoryPercent)
	}
}

type sampled struct {
	hostCPU, hostMem, processCPU, processMem bool
}

// sample 立即采样一次
func (c *Collector) sample() (Stats, sampled) {
	// cpu.Percent(0) 与进程 CPUPercent 都依赖上一次调用的快照
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		s  Stats
		ok sampled
	)
	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		s.HostCPUPercent, ok.hostCPU = p[0], true
	}
	vm, err := mem.VirtualMemory()
	if err == nil {
		s.HostMemoryPercent, ok.hostMem = vm.UsedPercent, true
	}
	if p, err := c.proc.Percent(0); err == nil {
		s.ProcessCPUPercent, ok.processCPU = p, true
	}
	if info, err := c.proc.MemoryInfo(); err == nil && vm != nil && vm.Total > 0 {
		s.ProcessMemoryPercent = float64(info.RSS) / float64(vm.Total) * 100
		ok.processMem = true
	}
	return s, ok
}
