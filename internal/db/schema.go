package db

// SchemaSQL defines the tables used by the analysis pipeline.
// Tables are schemaless so nested summaries and payloads keep their shape;
// the fields that queries filter or order on are typed and indexed.
const SchemaSQL = `
    -- ==========================================================================
    -- REPOSITORY
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS repository SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS name ON repository TYPE string;
    DEFINE FIELD IF NOT EXISTS source_url ON repository TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON repository TYPE string
        ASSERT $value INSIDE ["pending", "analyzing", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS created_at ON repository TYPE datetime;
    DEFINE FIELD IF NOT EXISTS analysis_completed_at ON repository TYPE option<datetime>;
    DEFINE INDEX IF NOT EXISTS repository_status ON repository FIELDS status;

    -- ==========================================================================
    -- CODE MAP (one structural record per file per run)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS code_map SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS repository_id ON code_map TYPE string;
    DEFINE FIELD IF NOT EXISTS file_path ON code_map TYPE string;
    DEFINE FIELD IF NOT EXISTS file_kind ON code_map TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON code_map TYPE datetime;
    DEFINE INDEX IF NOT EXISTS code_map_repository ON code_map FIELDS repository_id;

    -- ==========================================================================
    -- REQUIREMENT
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS requirement SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS repository_id ON requirement TYPE string;
    DEFINE FIELD IF NOT EXISTS prompt ON requirement TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON requirement TYPE string
        ASSERT $value INSIDE ["pending", "analyzing", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS created_at ON requirement TYPE datetime;
    DEFINE FIELD IF NOT EXISTS resolved_at ON requirement TYPE option<datetime>;
    DEFINE INDEX IF NOT EXISTS requirement_repository ON requirement FIELDS repository_id;

    -- ==========================================================================
    -- WORK ITEM
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS work_item SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS requirement_id ON work_item TYPE string;
    DEFINE FIELD IF NOT EXISTS tier ON work_item TYPE string
        ASSERT $value INSIDE ["presentation", "service", "data"];
    DEFINE FIELD IF NOT EXISTS status ON work_item TYPE string
        ASSERT $value INSIDE ["pending", "processing", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS created_at ON work_item TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON work_item TYPE option<datetime>;
    DEFINE INDEX IF NOT EXISTS work_item_requirement ON work_item FIELDS requirement_id, status;

    -- ==========================================================================
    -- RECOMMENDATION
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS recommendation SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS requirement_id ON recommendation TYPE string;
    DEFINE FIELD IF NOT EXISTS change_kind ON recommendation TYPE string
        ASSERT $value INSIDE ["add", "modify", "delete"];
    DEFINE FIELD IF NOT EXISTS confidence ON recommendation TYPE float
        ASSERT $value >= 0 AND $value <= 1;
    DEFINE FIELD IF NOT EXISTS created_at ON recommendation TYPE datetime;
    DEFINE INDEX IF NOT EXISTS recommendation_requirement ON recommendation FIELDS requirement_id;
`

// tables lists every table in delete-safe order.
var tables = []string{"recommendation", "work_item", "requirement", "code_map", "repository"}
