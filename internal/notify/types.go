package notify

// InboundNotification 一次平台推送，只在校验期间存在
type InboundNotification struct {
	SerialNumber string
	Signature    string // base64
	Timestamp    string // unix 秒
	Nonce        string
	Body         []byte
}

// Envelope 通知报文外层
type Envelope struct {
	ID           string             `json:"id"`
	CreateTime   string             `json:"create_time"`
	EventType    string             `json:"event_type"`
	ResourceType string             `json:"resource_type"`
	Summary      string             `json:"summary"`
	Resource     *EncryptedResource `json:"resource"`
}

// EncryptedResource 报文中的加密资源
type EncryptedResource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	Nonce          string `json:"nonce"`
	OriginalType   string `json:"original_type"`
}
