package handlers

import "github.com/go-chi/chi/v5"

// APIRoutes registers the /api/v1 endpoints on r.
func APIRoutes(r chi.Router) {
	r.Get("/server-logs", GetServerLogs)
	r.Get("/audit", GetAuditLog)

	// Host catalog
	r.Get("/hosts", ListHosts)
	r.Post("/hosts", CreateHost)
	r.Post("/hosts/test", TestHost)
	r.Get("/hosts/{hostID}", GetHost)
	r.Put("/hosts/{hostID}", UpdateHost)
	r.Delete("/hosts/{hostID}", DeleteHost)

	// Connections
	r.Get("/connections", ListConnections)
	r.Get("/connections/health", HostHealth)
	r.Post("/connections", Connect)
	r.Post("/hosts/{hostID}/connect", ConnectHost)
	r.Delete("/hosts/{hostID}/connection", DisconnectHost)
	r.Get("/hosts/{hostID}/status", HostStatus)

	// Engine operations
	r.Get("/hosts/{hostID}/containers", ListContainers)
	r.Post("/hosts/{hostID}/containers/batch", BatchContainers)
	r.Get("/hosts/{hostID}/containers/{containerID}/stats", ContainerStats)
	r.Get("/hosts/{hostID}/containers/{containerID}/stats/stream", StreamContainerStats)
	r.Get("/hosts/{hostID}/containers/{containerID}/logs", ContainerLogs)
	r.Get("/hosts/{hostID}/containers/{containerID}/export", ExportContainer)
	r.Put("/hosts/{hostID}/containers/{containerID}/name", RenameContainer)
	r.Post("/hosts/{hostID}/containers/{containerID}/commit", CommitContainer)
	r.Post("/hosts/{hostID}/containers/{containerID}/update", UpdateContainer)
	r.Get("/hosts/{hostID}/containers/{containerID}/archive", CopyFromContainer)
	r.Put("/hosts/{hostID}/containers/{containerID}/archive", CopyToContainer)
	r.Post("/hosts/{hostID}/containers/{containerID}/{verb}", ContainerAction)

	r.Get("/hosts/{hostID}/images", ListImages)
	r.Post("/hosts/{hostID}/images/pull", PullImage)
	r.Get("/hosts/{hostID}/images/{imageID}/export", ExportImage)
	r.Delete("/hosts/{hostID}/images/{imageID}", DeleteImage)

	r.Get("/hosts/{hostID}/volumes", ListVolumes)
	r.Get("/hosts/{hostID}/networks", ListNetworks)
}
