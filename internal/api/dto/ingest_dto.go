package dto

type IngestResponse struct {
	Success      bool   `json:"success"`
	ImageID      string `json:"image_id"`
	BlobName     string `json:"blob_name"`
	RawContainer string `json:"raw_container"`
	Queue        string `json:"queue"`
	EnqueuedAt   string `json:"enqueued_at"`
}

type IngestStatusResponse struct {
	ImageID      string `json:"image_id"`
	ProductSKU   string `json:"product_sku"`
	Facility     string `json:"facility"`
	BlobName     string `json:"blob_name"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ReceivedAt   string `json:"received_at"`
	ProcessedAt  string `json:"processed_at,omitempty"`
}

type CatalogResponse struct {
	Count int      `json:"count"`
	Items []string `json:"items"`
}
