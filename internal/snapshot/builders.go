package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// kindBuilders maps canonical kind names to their row builders. Kinds not
// listed here serve the generic identity/age/labels row.
var kindBuilders = map[string]func(Summary, *unstructured.Unstructured, time.Time){
	"pods":                     buildPod,
	"deployments":              buildDeployment,
	"statefulsets":             buildStatefulSet,
	"daemonsets":               buildDaemonSet,
	"cronjobs":                 buildCronJob,
	"jobs":                     buildJob,
	"services":                 buildService,
	"configmaps":               buildConfigMap,
	"secrets":                  buildSecret,
	"ingresses":                buildIngress,
	"persistentvolumes":        buildPersistentVolume,
	"persistentvolumeclaims":   buildPersistentVolumeClaim,
	"storageclasses":           buildStorageClass,
	"resourcequotas":           buildResourceQuota,
	"roles":                    buildRole,
	"rolebindings":             buildRoleBinding,
	"serviceaccounts":          buildServiceAccount,
	"clusterroles":             buildRole,
	"clusterrolebindings":      buildRoleBinding,
	"horizontalpodautoscalers": buildHPA,
	"poddisruptionbudgets":     buildPDB,
	"events":                   buildEvent,
	"nodes":                    buildNode,
	"namespaces":               buildNamespace,
}

func buildPod(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	statuses := nestedSlice(obj, "status", "containerStatuses")
	ready := 0
	var waitingReason string
	for _, raw := range statuses {
		cs, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if r, ok := cs["ready"].(bool); ok && r {
			ready++
		}
		if waitingReason == "" {
			if state, ok := cs["state"].(map[string]any); ok {
				if waiting, ok := state["waiting"].(map[string]any); ok {
					if reason, ok := waiting["reason"].(string); ok {
						waitingReason = reason
					}
				}
			}
		}
	}

	status := nestedString(obj, "status", "phase")
	switch {
	case obj.GetDeletionTimestamp() != nil:
		status = "Terminating"
	case waitingReason != "":
		status = waitingReason
	case status == "":
		status = "Unknown"
	}

	s["ready"] = fmt.Sprintf("%d/%d", ready, len(statuses))
	s["restarts"] = PodRestarts(obj)
	s["status"] = status
	s["node"] = nestedString(obj, "spec", "nodeName")
	s["pod_ip"] = nestedString(obj, "status", "podIP")
}

// PodRestarts sums restartCount across the pod's container statuses.
func PodRestarts(obj *unstructured.Unstructured) int64 {
	var restarts int64
	for _, raw := range nestedSlice(obj, "status", "containerStatuses") {
		if cs, ok := raw.(map[string]any); ok {
			restarts += asInt(cs["restartCount"])
		}
	}
	return restarts
}

func buildDeployment(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	desired := nestedInt(obj, "spec", "replicas")
	s["ready"] = fmt.Sprintf("%d/%d", nestedInt(obj, "status", "readyReplicas"), desired)
	s["replicas"] = desired
	s["up_to_date"] = nestedInt(obj, "status", "updatedReplicas")
	s["available"] = nestedInt(obj, "status", "availableReplicas")
}

func buildStatefulSet(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	desired := nestedInt(obj, "spec", "replicas")
	s["ready"] = fmt.Sprintf("%d/%d", nestedInt(obj, "status", "readyReplicas"), desired)
	s["replicas"] = desired
}

func buildDaemonSet(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["desired"] = nestedInt(obj, "status", "desiredNumberScheduled")
	s["current"] = nestedInt(obj, "status", "currentNumberScheduled")
	s["ready"] = nestedInt(obj, "status", "numberReady")
}

func buildCronJob(s Summary, obj *unstructured.Unstructured, now time.Time) {
	s["schedule"] = nestedString(obj, "spec", "schedule")
	suspend, _, _ := unstructured.NestedBool(obj.Object, "spec", "suspend")
	s["suspend"] = suspend
	s["active"] = int64(len(nestedSlice(obj, "status", "active")))
	s["last_schedule"] = timestampAge(nestedString(obj, "status", "lastScheduleTime"), now)
}

func buildJob(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	completions := nestedInt(obj, "spec", "completions")
	if completions == 0 {
		completions = 1
	}
	s["completions"] = fmt.Sprintf("%d/%d", nestedInt(obj, "status", "succeeded"), completions)

	status := "Running"
	for _, raw := range nestedSlice(obj, "status", "conditions") {
		cond, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if cond["status"] != "True" {
			continue
		}
		switch cond["type"] {
		case "Complete":
			status = "Complete"
		case "Failed":
			status = "Failed"
		}
	}
	s["status"] = status
}

func buildService(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["type"] = nestedString(obj, "spec", "type")
	s["cluster_ip"] = nestedString(obj, "spec", "clusterIP")
	s["external_ip"] = serviceExternalIP(obj)
	s["ports"] = servicePorts(obj)
}

// serviceExternalIP picks the first non-empty hostname, then the first
// non-empty IP, across the load balancer ingress list.
func serviceExternalIP(obj *unstructured.Unstructured) string {
	ingress := nestedSlice(obj, "status", "loadBalancer", "ingress")
	for _, raw := range ingress {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if host, ok := entry["hostname"].(string); ok && host != "" {
			return host
		}
	}
	for _, raw := range ingress {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ip, ok := entry["ip"].(string); ok && ip != "" {
			return ip
		}
	}
	return ""
}

func servicePorts(obj *unstructured.Unstructured) []string {
	var out []string
	for _, raw := range nestedSlice(obj, "spec", "ports") {
		port, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		protocol, _ := port["protocol"].(string)
		if protocol == "" {
			protocol = "TCP"
		}
		if nodePort := asInt(port["nodePort"]); nodePort != 0 {
			out = append(out, fmt.Sprintf("%d:%d/%s", asInt(port["port"]), nodePort, protocol))
			continue
		}
		out = append(out, fmt.Sprintf("%d/%s", asInt(port["port"]), protocol))
	}
	return out
}

func buildConfigMap(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	data, _, _ := unstructured.NestedMap(obj.Object, "data")
	s["data_count"] = int64(len(data))
}

func buildSecret(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	data, _, _ := unstructured.NestedMap(obj.Object, "data")
	s["type"] = nestedString(obj, "type")
	s["data_count"] = int64(len(data))
}

func buildIngress(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["class"] = nestedString(obj, "spec", "ingressClassName")
	s["hosts"] = ingressHosts(obj)
	s["addresses"] = ingressAddresses(obj)
}

// ingressHosts aggregates non-empty hosts from the rule list.
func ingressHosts(obj *unstructured.Unstructured) []string {
	var hosts []string
	for _, raw := range nestedSlice(obj, "spec", "rules") {
		rule, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if host, ok := rule["host"].(string); ok && host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// ingressAddresses aggregates load balancer addresses, hostname first.
func ingressAddresses(obj *unstructured.Unstructured) []string {
	var addrs []string
	for _, raw := range nestedSlice(obj, "status", "loadBalancer", "ingress") {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if host, ok := entry["hostname"].(string); ok && host != "" {
			addrs = append(addrs, host)
			continue
		}
		if ip, ok := entry["ip"].(string); ok && ip != "" {
			addrs = append(addrs, ip)
		}
	}
	return addrs
}

func buildPersistentVolume(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["capacity"] = nestedString(obj, "spec", "capacity", "storage")
	s["access_modes"] = stringSlice(nestedSlice(obj, "spec", "accessModes"))
	s["reclaim_policy"] = nestedString(obj, "spec", "persistentVolumeReclaimPolicy")
	s["status"] = nestedString(obj, "status", "phase")
	s["storage_class"] = nestedString(obj, "spec", "storageClassName")
	claimNS := nestedString(obj, "spec", "claimRef", "namespace")
	claimName := nestedString(obj, "spec", "claimRef", "name")
	if claimName != "" {
		s["claim"] = claimNS + "/" + claimName
	} else {
		s["claim"] = ""
	}
}

func buildPersistentVolumeClaim(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["status"] = nestedString(obj, "status", "phase")
	s["volume"] = nestedString(obj, "spec", "volumeName")
	s["capacity"] = nestedString(obj, "status", "capacity", "storage")
	s["access_modes"] = stringSlice(nestedSlice(obj, "spec", "accessModes"))
	s["storage_class"] = nestedString(obj, "spec", "storageClassName")
}

func buildStorageClass(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["provisioner"] = nestedString(obj, "provisioner")
	s["reclaim_policy"] = nestedString(obj, "reclaimPolicy")
	s["volume_binding_mode"] = nestedString(obj, "volumeBindingMode")
	s["is_default"] = obj.GetAnnotations()["storageclass.kubernetes.io/is-default-class"] == "true"
}

func buildResourceQuota(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	hard, _, _ := unstructured.NestedStringMap(obj.Object, "status", "hard")
	used, _, _ := unstructured.NestedStringMap(obj.Object, "status", "used")
	if hard == nil {
		hard = map[string]string{}
	}
	if used == nil {
		used = map[string]string{}
	}
	s["hard"] = hard
	s["used"] = used
}

func buildRole(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["rule_count"] = int64(len(nestedSlice(obj, "rules")))
}

func buildRoleBinding(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["role"] = nestedString(obj, "roleRef", "name")
	s["subject_count"] = int64(len(nestedSlice(obj, "subjects")))
}

func buildServiceAccount(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["secret_count"] = int64(len(nestedSlice(obj, "secrets")))
}

func buildHPA(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	kind := nestedString(obj, "spec", "scaleTargetRef", "kind")
	name := nestedString(obj, "spec", "scaleTargetRef", "name")
	s["reference"] = strings.TrimPrefix(kind+"/"+name, "/")
	s["min_replicas"] = nestedInt(obj, "spec", "minReplicas")
	s["max_replicas"] = nestedInt(obj, "spec", "maxReplicas")
	s["current_replicas"] = nestedInt(obj, "status", "currentReplicas")
}

func buildPDB(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	if v, found, _ := unstructured.NestedFieldNoCopy(obj.Object, "spec", "minAvailable"); found {
		s["min_available"] = fmt.Sprintf("%v", v)
	}
	if v, found, _ := unstructured.NestedFieldNoCopy(obj.Object, "spec", "maxUnavailable"); found {
		s["max_unavailable"] = fmt.Sprintf("%v", v)
	}
	s["allowed_disruptions"] = nestedInt(obj, "status", "disruptionsAllowed")
}

func buildEvent(s Summary, obj *unstructured.Unstructured, now time.Time) {
	s["type"] = nestedString(obj, "type")
	s["reason"] = nestedString(obj, "reason")
	s["message"] = nestedString(obj, "message")
	s["count"] = nestedInt(obj, "count")
	s["involved_object"] = strings.TrimPrefix(
		nestedString(obj, "involvedObject", "kind")+"/"+nestedString(obj, "involvedObject", "name"), "/")
	s["last_seen"] = timestampAge(nestedString(obj, "lastTimestamp"), now)
}

func buildNode(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["status"] = NodeReadiness(obj)
	s["roles"] = nodeRoles(obj)
	s["version"] = nestedString(obj, "status", "nodeInfo", "kubeletVersion")
	s["internal_ip"] = nodeInternalIP(obj)
}

// NodeReadiness reads the Ready condition: True means Ready, False means
// NotReady, anything else (including a missing condition) is Unknown.
func NodeReadiness(obj *unstructured.Unstructured) string {
	for _, raw := range nestedSlice(obj, "status", "conditions") {
		cond, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if cond["type"] != "Ready" {
			continue
		}
		switch cond["status"] {
		case "True":
			return "Ready"
		case "False":
			return "NotReady"
		default:
			return "Unknown"
		}
	}
	return "Unknown"
}

func nodeRoles(obj *unstructured.Unstructured) []string {
	var roles []string
	for label := range obj.GetLabels() {
		if role, ok := strings.CutPrefix(label, "node-role.kubernetes.io/"); ok && role != "" {
			roles = append(roles, role)
		}
	}
	sort.Strings(roles)
	return roles
}

func nodeInternalIP(obj *unstructured.Unstructured) string {
	for _, raw := range nestedSlice(obj, "status", "addresses") {
		addr, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if addr["type"] == "InternalIP" {
			ip, _ := addr["address"].(string)
			return ip
		}
	}
	return ""
}

func buildNamespace(s Summary, obj *unstructured.Unstructured, _ time.Time) {
	s["status"] = nestedString(obj, "status", "phase")
}

// timestampAge renders an RFC3339 timestamp as an age string, or "" when the
// timestamp is absent or malformed.
func timestampAge(ts string, now time.Time) string {
	if ts == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ""
	}
	return Age(parsed, now)
}

// stringSlice narrows an untyped JSON list to its string members.
func stringSlice(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
