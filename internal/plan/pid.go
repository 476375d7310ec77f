package plan

const (
	hrPidKp          = 2.5
	hrPidKi          = 0.15
	hrPidKd          = 0.5
	hrPidOutputMin   = 50
	hrPidOutputStart = 100
	hrPidIntegralMax = 150
	hrPidMaxFTPMult  = 1.0

	// fallbackFTP caps the controller when the profile has no FTP.
	fallbackFTP = 220
)

// hrController turns a heart-rate target into trainer power, one update per
// second.
type hrController struct {
	integral    float64
	lastError   float64
	output      float64
	initialized bool
}

func (c *hrController) reset() {
	*c = hrController{}
}

// update returns the new power in watts, clamped to [hrPidOutputMin, maxOutput].
func (c *hrController) update(targetHR, currentHR, maxOutput float64) float64 {
	if !c.initialized {
		c.output = hrPidOutputStart
		c.initialized = true
	}

	// positive when HR is below target
	err := targetHR - currentHR

	c.integral += err
	if c.integral > hrPidIntegralMax {
		c.integral = hrPidIntegralMax
	} else if c.integral < -hrPidIntegralMax {
		c.integral = -hrPidIntegralMax
	}

	c.output += hrPidKp*err + hrPidKi*c.integral + hrPidKd*(err-c.lastError)
	c.lastError = err

	if c.output < hrPidOutputMin {
		c.output = hrPidOutputMin
	} else if c.output > maxOutput {
		c.output = maxOutput
	}
	return c.output
}
