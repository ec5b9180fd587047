// Package kubecfg reads available cluster contexts from the standard
// kubeconfig search path.
package kubecfg

import (
	"sort"

	"k8s.io/client-go/tools/clientcmd"
)

// Contexts returns the context names from the user's kubeconfig, sorted.
// Absence of a kubeconfig (or the cluster tooling entirely) yields an
// empty list, not an error.
func Contexts() []string {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	cfg, err := rules.Load()
	if err != nil {
		return []string{}
	}
	names := make([]string, 0, len(cfg.Contexts))
	for name := range cfg.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
