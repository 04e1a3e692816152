package domain

// DeviceIdentityContext is the request-scoped identity established by the
// authentication gate. It is never persisted or shared across requests.
type DeviceIdentityContext struct {
	DeviceID              int64
	PlantID               *int64
	CropID                *int64
	DataCollectionMinutes int
	RequiresTokenRefresh  bool
}
