package router

import (
	"fmt"
	"net/http"
)

func registerSwaggerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /swagger", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
	})

	mux.HandleFunc("GET /swagger/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, swaggerHTML, "/swagger.json")
	})

	serveOpenAPI := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(openAPI))
	}
	mux.HandleFunc("GET /swagger.json", serveOpenAPI)
	mux.HandleFunc("GET /swagger/openapi.json", serveOpenAPI)
}

const swaggerHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Ledger Engine API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      window.ui = SwaggerUIBundle({
        url: "%s",
        dom_id: "#swagger-ui"
      });
    };
  </script>
</body>
</html>`

const openAPI = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Ledger Engine API",
    "version": "1.0.0"
  },
  "security": [{"BasicAuth": []}],
  "paths": {
    "/transactions": {
      "post": {
        "summary": "Create a transaction",
        "parameters": [{"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/CreateTransactionRequest"}}}
        },
        "responses": {
          "201": {"description": "Committed"},
          "200": {"description": "Replay of an earlier request with the same reference"},
          "202": {"description": "Scheduled, pending"},
          "400": {"description": "Validation error"},
          "403": {"description": "Source account not owned by caller"},
          "404": {"description": "Account not found"},
          "422": {"description": "Insufficient funds, limit exceeded, frozen account or currency mismatch"},
          "503": {"description": "Concurrent modification, retry"}
        }
      },
      "get": {
        "summary": "List transactions visible to the caller",
        "parameters": [
          {"$ref": "#/components/parameters/UserID"},
          {"$ref": "#/components/parameters/UserRole"},
          {"name": "accountId", "in": "query", "schema": {"type": "string"}},
          {"name": "status", "in": "query", "schema": {"type": "string"}},
          {"name": "type", "in": "query", "schema": {"type": "string"}},
          {"name": "from", "in": "query", "schema": {"type": "string", "format": "date-time"}},
          {"name": "to", "in": "query", "schema": {"type": "string", "format": "date-time"}},
          {"$ref": "#/components/parameters/Page"},
          {"$ref": "#/components/parameters/Limit"}
        ],
        "responses": {"200": {"description": "Page of transactions"}}
      }
    },
    "/transactions/validate": {
      "post": {
        "summary": "Check admissibility and estimate the fee without writing",
        "parameters": [{"$ref": "#/components/parameters/UserID"}],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/CreateTransactionRequest"}}}
        },
        "responses": {"200": {"description": "Validation result"}}
      }
    },
    "/transactions/{id}": {
      "get": {
        "summary": "Get a transaction",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "responses": {"200": {"description": "Transaction"}, "403": {"description": "Forbidden"}, "404": {"description": "Not found"}}
      }
    },
    "/transactions/{id}/reverse": {
      "post": {
        "summary": "Reverse a completed transaction (admin)",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"type": "object", "required": ["reason"], "properties": {"reason": {"type": "string"}}}}}
        },
        "responses": {"201": {"description": "Reversal committed"}, "409": {"description": "Cannot reverse"}, "422": {"description": "Destination cannot cover the reversal"}}
      }
    },
    "/transactions/{id}/cancel": {
      "post": {
        "summary": "Cancel a pending transaction",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "responses": {"200": {"description": "Cancelled"}, "409": {"description": "Not pending"}}
      }
    },
    "/transactions/{id}/process": {
      "post": {
        "summary": "Commit a pending scheduled transaction now",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "responses": {"200": {"description": "Processed"}, "409": {"description": "Not pending or expired"}}
      }
    },
    "/accounts": {
      "post": {
        "summary": "Open an account (admin)",
        "parameters": [{"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {
            "type": "object",
            "required": ["ownerId", "currency"],
            "properties": {
              "ownerId": {"type": "string"},
              "currency": {"type": "string"},
              "timezone": {"type": "string"},
              "openingBalance": {"type": "string"},
              "limits": {"type": "object"}
            }
          }}}
        },
        "responses": {"201": {"description": "Created"}, "403": {"description": "Forbidden"}}
      }
    },
    "/accounts/{id}": {
      "get": {
        "summary": "Get an account",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "responses": {"200": {"description": "Account"}, "404": {"description": "Not found"}}
      }
    },
    "/accounts/{id}/freeze": {
      "post": {
        "summary": "Freeze an account (admin)",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"type": "object", "required": ["reason"], "properties": {"reason": {"type": "string"}, "until": {"type": "string", "format": "date-time"}}}}}
        },
        "responses": {"200": {"description": "Frozen"}}
      }
    },
    "/accounts/{id}/unfreeze": {
      "post": {
        "summary": "Lift a freeze (admin)",
        "parameters": [{"$ref": "#/components/parameters/ID"}, {"$ref": "#/components/parameters/UserID"}, {"$ref": "#/components/parameters/UserRole"}],
        "responses": {"200": {"description": "Unfrozen"}}
      }
    },
    "/audit-logs": {
      "get": {
        "summary": "Query audit entries, scoped to the caller unless admin",
        "parameters": [
          {"$ref": "#/components/parameters/UserID"},
          {"$ref": "#/components/parameters/UserRole"},
          {"name": "userId", "in": "query", "schema": {"type": "string"}},
          {"name": "action", "in": "query", "schema": {"type": "string"}},
          {"name": "resource", "in": "query", "schema": {"type": "string"}},
          {"name": "resourceId", "in": "query", "schema": {"type": "string"}},
          {"name": "from", "in": "query", "schema": {"type": "string", "format": "date-time"}},
          {"name": "to", "in": "query", "schema": {"type": "string", "format": "date-time"}},
          {"$ref": "#/components/parameters/Page"},
          {"$ref": "#/components/parameters/Limit"}
        ],
        "responses": {"200": {"description": "Page of audit entries"}}
      }
    },
    "/audit-logs/stats": {
      "get": {
        "summary": "Aggregate audit statistics (admin)",
        "parameters": [
          {"$ref": "#/components/parameters/UserID"},
          {"$ref": "#/components/parameters/UserRole"},
          {"name": "from", "in": "query", "schema": {"type": "string", "format": "date-time"}},
          {"name": "to", "in": "query", "schema": {"type": "string", "format": "date-time"}},
          {"name": "bucket", "in": "query", "schema": {"type": "string", "enum": ["HOUR", "DAY"]}}
        ],
        "responses": {"200": {"description": "Statistics"}, "403": {"description": "Forbidden"}}
      }
    },
    "/audit-logs/trail/{resource}/{id}": {
      "get": {
        "summary": "Chronological trail of one resource",
        "parameters": [
          {"name": "resource", "in": "path", "required": true, "schema": {"type": "string"}},
          {"$ref": "#/components/parameters/ID"},
          {"$ref": "#/components/parameters/UserID"},
          {"$ref": "#/components/parameters/UserRole"}
        ],
        "responses": {"200": {"description": "Trail"}}
      }
    },
    "/audit-logs/export": {
      "get": {
        "summary": "Export audit entries as JSON or CSV",
        "parameters": [
          {"$ref": "#/components/parameters/UserID"},
          {"$ref": "#/components/parameters/UserRole"},
          {"name": "format", "in": "query", "schema": {"type": "string", "enum": ["json", "csv"]}}
        ],
        "responses": {"200": {"description": "File"}, "422": {"description": "Export too large"}}
      }
    },
    "/health": {
      "get": {"summary": "Liveness and store reachability", "security": [], "responses": {"200": {"description": "ok"}, "503": {"description": "unavailable"}}}
    }
  },
  "components": {
    "securitySchemes": {
      "BasicAuth": {"type": "http", "scheme": "basic"}
    },
    "parameters": {
      "ID": {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}},
      "UserID": {"name": "X-User-ID", "in": "header", "required": true, "schema": {"type": "string"}},
      "UserRole": {"name": "X-User-Role", "in": "header", "schema": {"type": "string", "enum": ["ADMIN", "CUSTOMER"]}},
      "Page": {"name": "page", "in": "query", "schema": {"type": "integer", "minimum": 1}},
      "Limit": {"name": "limit", "in": "query", "schema": {"type": "integer", "minimum": 1, "maximum": 100}}
    },
    "schemas": {
      "CreateTransactionRequest": {
        "type": "object",
        "required": ["fromAccountId", "toAccountId", "amount", "type"],
        "properties": {
          "fromAccountId": {"type": "string"},
          "toAccountId": {"type": "string"},
          "amount": {"type": "string", "example": "500.00"},
          "currency": {"type": "string"},
          "type": {"type": "string", "enum": ["TRANSFER", "TRANSFER_IN", "TRANSFER_OUT", "DEPOSIT", "WITHDRAWAL", "FEE", "REFUND", "SCHEDULED_PAYMENT", "INTEREST_PAYMENT"]},
          "reference": {"type": "string", "maxLength": 64},
          "externalRef": {"type": "string"},
          "description": {"type": "string"},
          "scheduledFor": {"type": "string", "format": "date-time"},
          "expiresAt": {"type": "string", "format": "date-time"}
        }
      }
    }
  }
}`
