package ps

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func CPUStatus() (CPU, error) {
	list, err := cpu.Percent(time.Millisecond*50, false)
	if err != nil {
		return CPU{}, err
	}
	if len(list) == 0 {
		return CPU{}, fmt.Errorf("no cpu samples")
	}

	return CPU{
		Percent: list[0],
	}, nil
}

func MemoryStatus() (Memory, error) {
	memory, err := mem.VirtualMemory()
	if err != nil {
		return Memory{}, err
	}
	swapMemory, err := mem.SwapMemory()
	if err != nil {
		return Memory{}, err
	}

	return Memory{
		Total:       memory.Total,
		Used:        memory.Used,
		UsedPercent: memory.UsedPercent,
		Human:       fmt.Sprintf("%s / %s", humanize.IBytes(memory.Used), humanize.IBytes(memory.Total)),

		SwapTotal:       swapMemory.Total,
		SwapUsed:        swapMemory.Used,
		SwapUsedPercent: swapMemory.UsedPercent,
	}, nil
}

// HostStatus is what the device status endpoint reports.
func HostStatus() (Status, error) {
	c, err := CPUStatus()
	if err != nil {
		return Status{}, fmt.Errorf("cpu status: %w", err)
	}
	m, err := MemoryStatus()
	if err != nil {
		return Status{}, fmt.Errorf("memory status: %w", err)
	}
	return Status{CPU: c, Memory: m}, nil
}

type Status struct {
	CPU    CPU    `json:"cpu"`
	Memory Memory `json:"memory"`
}

type CPU struct {
	Percent float64 `json:"percent"`
}

type Memory struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
	Human       string  `json:"human"`

	SwapTotal       uint64  `json:"swapTotal"`
	SwapUsed        uint64  `json:"swapUsed"`
	SwapUsedPercent float64 `json:"swapUsedPercent"`
}
