package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lyndonlyu/workhorse/internal/config"
)

// DefaultSaturationLimit is the pool saturation at which CheckPool reports
// the pool as degraded.
const DefaultSaturationLimit = 0.9

// Saturator is anything that reports how full it is, such as a pool.
type Saturator interface {
	Name() string
	Saturation() float64
}

// Backlogger reports queued work, such as the scheduler.
type Backlogger interface {
	Backlog() int
}

// Pinger is a store whose reachability can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckPool reports the pool degraded once saturation reaches limit.
func CheckPool(p Saturator, limit float64) ComponentStatus {
	cs := ComponentStatus{
		Name:     "pool",
		Category: Important,
	}
	if p.Name() != "" {
		cs.Name = "pool:" + p.Name()
	}
	if limit <= 0 {
		limit = DefaultSaturationLimit
	}

	sat := p.Saturation()
	if sat >= limit {
		cs.Healthy = false
		cs.Detail = fmt.Sprintf("Saturated at %.0f%%", sat*100)
		return cs
	}
	cs.Healthy = true
	cs.Detail = fmt.Sprintf("%.0f%% in use", sat*100)
	return cs
}

// CheckScheduler reports the scheduler degraded when more than maxBacklog
// tasks are waiting. A non-positive maxBacklog disables the threshold.
func CheckScheduler(s Backlogger, maxBacklog int) ComponentStatus {
	cs := ComponentStatus{
		Name:     "scheduler",
		Category: Important,
	}
	backlog := s.Backlog()
	if maxBacklog > 0 && backlog > maxBacklog {
		cs.Healthy = false
		cs.Detail = fmt.Sprintf("Backlog %d exceeds %d", backlog, maxBacklog)
		return cs
	}
	cs.Healthy = true
	cs.Detail = fmt.Sprintf("%d queued", backlog)
	return cs
}

// CheckStore pings the task history database.
func CheckStore(ctx context.Context, p Pinger) ComponentStatus {
	cs := ComponentStatus{
		Name:     "task_store",
		Category: Critical,
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		cs.Healthy = false
		cs.Detail = fmt.Sprintf("Ping failed: %v", err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = "Reachable"
	return cs
}

// CheckCache pings a remote cache backend. Caching is optional: a dead
// cache only costs hit rate.
func CheckCache(ctx context.Context, p Pinger) ComponentStatus {
	cs := ComponentStatus{
		Name:     "cache",
		Category: Optional,
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		cs.Healthy = false
		cs.Detail = fmt.Sprintf("Ping failed: %v", err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = "Reachable"
	return cs
}

// CheckConfig verifies that the configuration file can be loaded.
func CheckConfig(path string) ComponentStatus {
	cs := ComponentStatus{
		Name:     "config",
		Category: Critical,
	}

	_, err := config.Load(path)
	if err != nil {
		cs.Healthy = false
		cs.Detail = fmt.Sprintf("Configuration error: %v", err)
		return cs
	}

	cs.Healthy = true
	cs.Detail = "Configuration loaded"
	return cs
}

// CheckDataDir checks that the data directory exists and is writable.
func CheckDataDir(dir string) ComponentStatus {
	return checkDirWritable(dir, "data_dir", Important)
}

// checkDirWritable tests whether a directory exists and is writable by creating
// and immediately removing a temp file.
func checkDirWritable(dir, name, category string) ComponentStatus {
	cs := ComponentStatus{
		Name:     name,
		Category: category,
	}

	info, err := os.Stat(dir)
	if err != nil {
		cs.Healthy = false
		if os.IsNotExist(err) {
			cs.Detail = "Missing"
		} else {
			cs.Detail = fmt.Sprintf("Stat error: %v", err)
		}
		return cs
	}

	if !info.IsDir() {
		cs.Healthy = false
		cs.Detail = "Not a directory"
		return cs
	}

	tmp := filepath.Join(dir, ".health_check_tmp")
	if err := os.WriteFile(tmp, []byte("ok"), 0644); err != nil {
		cs.Healthy = false
		cs.Detail = "Not writable"
		return cs
	}
	os.Remove(tmp)

	cs.Healthy = true
	cs.Detail = "Writable"
	return cs
}
