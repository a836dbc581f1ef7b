package dataio

// DataBatch is one chunk of records read from or written to a resource.
type DataBatch struct {
	data [][]byte
}

func NewDataBatch(data [][]byte) *DataBatch {
	return &DataBatch{data: data}
}

func (b *DataBatch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

func (b *DataBatch) Get(i int) []byte {
	return b.data[i]
}

func (b *DataBatch) Append(record []byte) {
	b.data = append(b.data, record)
}

func (b *DataBatch) Data() [][]byte {
	return b.data
}

func (b *DataBatch) Release() {
	b.data = nil
}
