package update

import (
	"github.com/basalt-os/basaltctl/pkg/disk"
	"github.com/basalt-os/basaltctl/pkg/efi"
	"github.com/basalt-os/basaltctl/pkg/slot"
	"gopkg.in/yaml.v3"
)

// Status is the machine-readable summary printed by `basaltctl status`.
type Status struct {
	Disk         string `yaml:"disk"`
	RootDevice   string `yaml:"rootDevice"`
	CurrentSlot  string `yaml:"currentSlot"`
	TargetSlot   string `yaml:"targetSlot"`
	TargetRoot   string `yaml:"targetRoot"`
	TargetVerity string `yaml:"targetVerity"`
	ReleaseTag   *int   `yaml:"releaseTag,omitempty"`
	SecureBoot   bool   `yaml:"secureBoot"`
}

// CollectStatus inspects the live system without touching anything.
func CollectStatus() (*Status, error) {
	root, err := disk.NewInspector().CurrentRoot()
	if err != nil {
		return nil, err
	}
	current, err := slot.Resolve(root.PartitionIndex)
	if err != nil {
		return nil, err
	}
	target := current.Complement()

	st := &Status{
		Disk:         root.Disk.Path,
		RootDevice:   root.PartitionPath,
		CurrentSlot:  current.String(),
		TargetSlot:   target.String(),
		TargetRoot:   root.Disk.PartitionPath(target.RootIndex()),
		TargetVerity: root.Disk.PartitionPath(target.VerityIndex()),
		SecureBoot:   efi.SecureBootEnabled(),
	}
	if tag, ok := installedTag(); ok {
		st.ReleaseTag = &tag
	}
	return st, nil
}

// Render marshals the status as YAML.
func (s *Status) Render() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
