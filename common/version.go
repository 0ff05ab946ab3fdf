package common

// PackageName is the metrics namespace and default log service tag.
const PackageName = "agent_provisioner"

// Version is set at build time with -ldflags "-X github.com/ruteri/agent-identity-provisioner/common.Version=...".
var Version = "dev"
