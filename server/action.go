package server

type RequestAction string

const (
	// row actions
	RequestActionInsertRow         RequestAction = "insertRow"
	RequestActionGetRow            RequestAction = "getRow"
	RequestActionDeleteRow         RequestAction = "deleteRow"
	RequestActionScanRows          RequestAction = "scanRows"
	RequestActionScanByIndexPrefix RequestAction = "scanByIndexPrefix"
	RequestActionJoinRows          RequestAction = "joinRows"

	// table actions
	RequestActionDescribeTable RequestAction = "describeTable"
	RequestActionCreateTable   RequestAction = "createTable"
	RequestActionDropTable     RequestAction = "dropTable"
	RequestActionListTables    RequestAction = "listTables"
	RequestActionReindex       RequestAction = "reindex"
)

func (a RequestAction) IsReadOnly() bool {
	switch a {
	case RequestActionInsertRow, RequestActionDeleteRow, RequestActionCreateTable, RequestActionDropTable, RequestActionReindex:
		return false
	default:
		return true
	}
}
