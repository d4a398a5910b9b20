package conductor

import (
	"math"

	"github.com/citadel-dev/citadel/internal/config"
)

// autoscale sizes each registered pool from its queue depth.
func (c *Conductor) autoscale(cfg *config.Config) {
	for role, p := range c.pools {
		roleCfg, ok := cfg.RoleConfig(role)
		if !ok {
			continue
		}
		pending, err := c.svc.Queue.GetPendingCount(role)
		if err != nil {
			c.logger.Error("autoscale: pending count", "role", role, "error", err)
			continue
		}
		target := scaleTarget(pending, roleCfg)
		if target == p.Size() {
			continue
		}
		c.logger.Info("autoscaling pool", "role", role, "pending", pending, "from", p.Size(), "to", target)
		p.Resize(target)
	}
}

// scaleTarget clamps ceil(pending * load_factor) to the role's bounds.
func scaleTarget(pending int, roleCfg config.Role) int {
	target := int(math.Ceil(float64(pending) * roleCfg.LoadFactor))
	if target < roleCfg.MinWorkers {
		target = roleCfg.MinWorkers
	}
	if target > roleCfg.MaxWorkers {
		target = roleCfg.MaxWorkers
	}
	return target
}
