package kube

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Kind describes one managed resource kind: how it is addressed on the
// upstream API, how it appears in HTTP routes, and which verbs apply.
type Kind struct {
	// Name is the canonical upstream resource name, e.g. "networkpolicies".
	Name string

	// Route is the HTTP path segment for the kind's endpoint family,
	// e.g. "network-policies".
	Route string

	// Singular is the human-readable singular form used in messages,
	// e.g. "network policy".
	Singular string

	// GVR addresses the kind on the dynamic client.
	GVR schema.GroupVersionResource

	// Namespaced reports whether the kind is namespace-scoped.
	Namespaced bool

	// Scalable reports whether the kind supports replica scaling.
	Scalable bool
}

// DisplayName returns the title-cased singular form for user-facing messages.
func (k Kind) DisplayName() string {
	return cases.Title(language.English).String(k.Singular)
}

// kinds lists every resource kind the facade serves, in route-mount order.
var kinds = []Kind{
	{Name: "pods", Route: "pods", Singular: "pod", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "pods"}, Namespaced: true},
	{Name: "deployments", Route: "deployments", Singular: "deployment", GVR: schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, Namespaced: true, Scalable: true},
	{Name: "statefulsets", Route: "statefulsets", Singular: "stateful set", GVR: schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}, Namespaced: true, Scalable: true},
	{Name: "daemonsets", Route: "daemonsets", Singular: "daemon set", GVR: schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}, Namespaced: true},
	{Name: "cronjobs", Route: "cronjobs", Singular: "cron job", GVR: schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "cronjobs"}, Namespaced: true},
	{Name: "jobs", Route: "jobs", Singular: "job", GVR: schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}, Namespaced: true},
	{Name: "services", Route: "services", Singular: "service", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "services"}, Namespaced: true},
	{Name: "configmaps", Route: "configmaps", Singular: "config map", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "configmaps"}, Namespaced: true},
	{Name: "secrets", Route: "secrets", Singular: "secret", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "secrets"}, Namespaced: true},
	{Name: "ingresses", Route: "ingresses", Singular: "ingress", GVR: schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"}, Namespaced: true},
	{Name: "networkpolicies", Route: "network-policies", Singular: "network policy", GVR: schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "networkpolicies"}, Namespaced: true},
	{Name: "persistentvolumes", Route: "persistent-volumes", Singular: "persistent volume", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "persistentvolumes"}, Namespaced: false},
	{Name: "persistentvolumeclaims", Route: "persistent-volume-claims", Singular: "persistent volume claim", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "persistentvolumeclaims"}, Namespaced: true},
	{Name: "storageclasses", Route: "storage-classes", Singular: "storage class", GVR: schema.GroupVersionResource{Group: "storage.k8s.io", Version: "v1", Resource: "storageclasses"}, Namespaced: false},
	{Name: "resourcequotas", Route: "resource-quotas", Singular: "resource quota", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "resourcequotas"}, Namespaced: true},
	{Name: "limitranges", Route: "limit-ranges", Singular: "limit range", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "limitranges"}, Namespaced: true},
	{Name: "roles", Route: "roles", Singular: "role", GVR: schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "roles"}, Namespaced: true},
	{Name: "rolebindings", Route: "role-bindings", Singular: "role binding", GVR: schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "rolebindings"}, Namespaced: true},
	{Name: "serviceaccounts", Route: "service-accounts", Singular: "service account", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "serviceaccounts"}, Namespaced: true},
	{Name: "clusterroles", Route: "cluster-roles", Singular: "cluster role", GVR: schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "clusterroles"}, Namespaced: false},
	{Name: "clusterrolebindings", Route: "cluster-role-bindings", Singular: "cluster role binding", GVR: schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "clusterrolebindings"}, Namespaced: false},
	{Name: "horizontalpodautoscalers", Route: "hpas", Singular: "horizontal pod autoscaler", GVR: schema.GroupVersionResource{Group: "autoscaling", Version: "v2", Resource: "horizontalpodautoscalers"}, Namespaced: true},
	{Name: "poddisruptionbudgets", Route: "pdbs", Singular: "pod disruption budget", GVR: schema.GroupVersionResource{Group: "policy", Version: "v1", Resource: "poddisruptionbudgets"}, Namespaced: true},
	{Name: "events", Route: "events", Singular: "event", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "events"}, Namespaced: true},
	{Name: "nodes", Route: "nodes", Singular: "node", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "nodes"}, Namespaced: false},
	{Name: "namespaces", Route: "namespaces", Singular: "namespace", GVR: schema.GroupVersionResource{Group: "", Version: "v1", Resource: "namespaces"}, Namespaced: false},
}

// kindAliases maps accepted alternative spellings (singulars, kubectl short
// names, route slugs) to canonical kind names.
var kindAliases = map[string]string{
	"pod":                        "pods",
	"po":                         "pods",
	"deployment":                 "deployments",
	"deploy":                     "deployments",
	"statefulset":                "statefulsets",
	"sts":                        "statefulsets",
	"daemonset":                  "daemonsets",
	"ds":                         "daemonsets",
	"cronjob":                    "cronjobs",
	"cj":                         "cronjobs",
	"job":                        "jobs",
	"service":                    "services",
	"svc":                        "services",
	"configmap":                  "configmaps",
	"cm":                         "configmaps",
	"secret":                     "secrets",
	"ingress":                    "ingresses",
	"ing":                        "ingresses",
	"networkpolicy":              "networkpolicies",
	"netpol":                     "networkpolicies",
	"network-policies":           "networkpolicies",
	"persistentvolume":           "persistentvolumes",
	"pv":                         "persistentvolumes",
	"persistent-volumes":         "persistentvolumes",
	"persistentvolumeclaim":      "persistentvolumeclaims",
	"pvc":                        "persistentvolumeclaims",
	"persistent-volume-claims":   "persistentvolumeclaims",
	"storageclass":               "storageclasses",
	"sc":                         "storageclasses",
	"storage-classes":            "storageclasses",
	"resourcequota":              "resourcequotas",
	"quota":                      "resourcequotas",
	"resource-quotas":            "resourcequotas",
	"limitrange":                 "limitranges",
	"limits":                     "limitranges",
	"limit-ranges":               "limitranges",
	"role":                       "roles",
	"rolebinding":                "rolebindings",
	"role-bindings":              "rolebindings",
	"serviceaccount":             "serviceaccounts",
	"sa":                         "serviceaccounts",
	"service-accounts":           "serviceaccounts",
	"clusterrole":                "clusterroles",
	"cluster-roles":              "clusterroles",
	"clusterrolebinding":         "clusterrolebindings",
	"cluster-role-bindings":      "clusterrolebindings",
	"horizontalpodautoscaler":    "horizontalpodautoscalers",
	"hpa":                        "horizontalpodautoscalers",
	"hpas":                       "horizontalpodautoscalers",
	"horizontal-pod-autoscalers": "horizontalpodautoscalers",
	"poddisruptionbudget":        "poddisruptionbudgets",
	"pdb":                        "poddisruptionbudgets",
	"pdbs":                       "poddisruptionbudgets",
	"pod-disruption-budgets":     "poddisruptionbudgets",
	"event":                      "events",
	"node":                       "nodes",
	"no":                         "nodes",
	"namespace":                  "namespaces",
	"ns":                         "namespaces",
}

// kindsByName is built once from the kinds slice.
var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		m[k.Name] = k
	}
	return m
}()

// LookupKind resolves a kind by canonical name, singular, short name, or
// route slug. The lookup is case-insensitive.
func LookupKind(name string) (Kind, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if k, ok := kindsByName[key]; ok {
		return k, true
	}
	if canonical, ok := kindAliases[key]; ok {
		return kindsByName[canonical], true
	}
	return Kind{}, false
}

// AllKinds returns every served kind sorted by canonical name.
func AllKinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RoutedKinds returns every served kind in route-mount order.
func RoutedKinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}
