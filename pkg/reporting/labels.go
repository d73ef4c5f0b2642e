package reporting

import "strconv"

const (
	// ServiceLabel is the compose service a container belongs to.
	ServiceLabel = "com.docker.compose.service"

	// ContainerNumberLabel is the compose replica number of a container.
	ContainerNumberLabel = "com.docker.compose.container-number"

	// AutoHealLabel opts a container into remediation during sweeps.
	AutoHealLabel = "autoheal"

	// NotSet is reported for labels a container does not carry.
	NotSet = "NotSet"
)

// LabelValue returns the value of name, or NotSet.
func LabelValue(labels map[string]string, name string) string {
	if v, ok := labels[name]; ok {
		return v
	}
	return NotSet
}

// ServiceName returns the compose service label.
func ServiceName(labels map[string]string) string {
	return LabelValue(labels, ServiceLabel)
}

// ContainerNumber returns the compose container-number label.
func ContainerNumber(labels map[string]string) string {
	return LabelValue(labels, ContainerNumberLabel)
}

// AutoHealEnabled reports whether the autoheal label parses as true.
func AutoHealEnabled(labels map[string]string) bool {
	enabled, err := strconv.ParseBool(LabelValue(labels, AutoHealLabel))
	return err == nil && enabled
}
