package server

import (
	"fmt"
	"os"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	DynamicClient  dynamic.Interface
	BaseKubeConfig *rest.Config
)

// InitK8sClients initializes the dynamic Kubernetes client used for
// sandbox claim operations. In-cluster config wins; kubeconfig is the
// local-development fallback.
func InitK8sClients() error {
	var config *rest.Config
	var err error

	if config, err = rest.InClusterConfig(); err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = fmt.Sprintf("%s/.kube/config", os.Getenv("HOME"))
		}

		if config, err = clientcmd.BuildConfigFromFlags("", kubeconfig); err != nil {
			return fmt.Errorf("failed to create Kubernetes config: %v", err)
		}
	}

	DynamicClient, err = dynamic.NewForConfig(config)
	if err != nil {
		return fmt.Errorf("failed to create dynamic client: %v", err)
	}

	BaseKubeConfig = config
	return nil
}
