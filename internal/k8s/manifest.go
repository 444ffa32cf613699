package k8s

// Typed batch/v1 Job manifest, narrowed to the fields the service sets.
// Field order in the structs controls the YAML emitted to kubectl.

type JobManifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       JobSpec  `yaml:"spec"`
}

type Metadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type JobSpec struct {
	BackoffLimit            int         `yaml:"backoffLimit"`
	TTLSecondsAfterFinished int         `yaml:"ttlSecondsAfterFinished"`
	Template                PodTemplate `yaml:"template"`
}

type PodTemplate struct {
	Metadata Metadata `yaml:"metadata"`
	Spec     PodSpec  `yaml:"spec"`
}

type PodSpec struct {
	RestartPolicy string      `yaml:"restartPolicy"`
	Containers    []Container `yaml:"containers"`
	Volumes       []Volume    `yaml:"volumes"`
}

type Container struct {
	Name            string           `yaml:"name"`
	Image           string           `yaml:"image"`
	Args            []string         `yaml:"args"`
	Env             []EnvVar         `yaml:"env,omitempty"`
	SecurityContext *SecurityContext `yaml:"securityContext,omitempty"`
	Resources       *Resources       `yaml:"resources,omitempty"`
	VolumeMounts    []VolumeMount    `yaml:"volumeMounts,omitempty"`
}

type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type SecurityContext struct {
	RunAsNonRoot             bool `yaml:"runAsNonRoot"`
	RunAsUser                int  `yaml:"runAsUser"`
	RunAsGroup               int  `yaml:"runAsGroup"`
	ReadOnlyRootFilesystem   bool `yaml:"readOnlyRootFilesystem"`
	AllowPrivilegeEscalation bool `yaml:"allowPrivilegeEscalation"`
}

type Resources struct {
	Requests map[string]string `yaml:"requests,omitempty"`
	Limits   map[string]string `yaml:"limits,omitempty"`
}

type VolumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`
}

type Volume struct {
	Name     string          `yaml:"name"`
	HostPath *HostPathSource `yaml:"hostPath,omitempty"`
	EmptyDir *EmptyDirSource `yaml:"emptyDir,omitempty"`
}

type HostPathSource struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
}

type EmptyDirSource struct{}

// ManifestParams names the per-job inputs of RenderJobManifest.
type ManifestParams struct {
	Namespace       string
	JobName         string
	Image           string
	InHostPath      string // node path of the persisted input zip
	InContainerPath string // mount point inside the job container
	OutHostDir      string // node path receiving results
}

// RenderJobManifest builds the batch/v1 Job for one workflow run. The job
// never retries (backoffLimit 0) and the cluster garbage-collects it an hour
// after it finishes. The container runs non-root on a read-only rootfs; the
// tool unpacks into /tmp, so an emptyDir is mounted there.
func RenderJobManifest(p ManifestParams) *JobManifest {
	return &JobManifest{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: Metadata{
			Name:      p.JobName,
			Namespace: p.Namespace,
			Labels:    map[string]string{"app": "k2p"},
		},
		Spec: JobSpec{
			BackoffLimit:            0,
			TTLSecondsAfterFinished: 3600,
			Template: PodTemplate{
				Metadata: Metadata{
					Labels: map[string]string{"app": "k2p", "job-name": p.JobName},
				},
				Spec: PodSpec{
					RestartPolicy: "Never",
					Containers: []Container{
						{
							Name:  "k2p",
							Image: p.Image,
							Args:  []string{"--in-zip", p.InContainerPath, "--out", "/out"},
							Env: []EnvVar{
								{Name: "PYTHONDONTWRITEBYTECODE", Value: "1"},
							},
							SecurityContext: &SecurityContext{
								RunAsNonRoot:             true,
								RunAsUser:                65532,
								RunAsGroup:               65532,
								ReadOnlyRootFilesystem:   true,
								AllowPrivilegeEscalation: false,
							},
							Resources: &Resources{
								Requests: map[string]string{"cpu": "250m", "memory": "256Mi"},
								Limits:   map[string]string{"cpu": "1", "memory": "1Gi"},
							},
							VolumeMounts: []VolumeMount{
								{Name: "inzip", MountPath: p.InContainerPath, ReadOnly: true},
								{Name: "outdir", MountPath: "/out"},
								{Name: "tmp", MountPath: "/tmp"},
							},
						},
					},
					Volumes: []Volume{
						{Name: "inzip", HostPath: &HostPathSource{Path: p.InHostPath, Type: "File"}},
						{Name: "outdir", HostPath: &HostPathSource{Path: p.OutHostDir, Type: "DirectoryOrCreate"}},
						{Name: "tmp", EmptyDir: &EmptyDirSource{}},
					},
				},
			},
		},
	}
}
